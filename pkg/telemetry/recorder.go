package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// Recorder turns lifecycle phase brackets and task notifications into
// spans, metrics, events and log entries. One recorder serves a whole build
// tree; nested build spans are children of their parent build's span.
//
// It implements engine.InternalBuildListener and the scheduler's task
// observer.
type Recorder struct {
	tel *Telemetry
	log *Logger

	mu     sync.Mutex
	builds map[string]*buildTrace
}

type buildTrace struct {
	ctx    context.Context
	span   trace.Span
	phases map[engine.PhaseTag]activeSpan
	tasks  map[engine.TaskPath]activeSpan
}

type activeSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewRecorder creates a recorder.
func NewRecorder(tel *Telemetry) *Recorder {
	return &Recorder{
		tel:    tel,
		log:    tel.Logger.NewComponentLogger("recorder"),
		builds: make(map[string]*buildTrace),
	}
}

// Started implements engine.InternalBuildListener.
func (r *Recorder) Started(build *engine.Build, tag engine.PhaseTag, startTime time.Time) {
	if tag == engine.PhaseBuild {
		r.buildStarted(build)
		return
	}

	r.mu.Lock()
	bt := r.traceOf(build)
	ctx, span := r.tel.Tracer.StartPhaseSpan(bt.ctx, build, tag)
	bt.phases[tag] = activeSpan{ctx: ctx, span: span}
	r.mu.Unlock()

	r.log.WithBuild(build).WithPhase(tag).Debug("Phase started")
}

// Finished implements engine.InternalBuildListener.
func (r *Recorder) Finished(build *engine.Build, tag engine.PhaseTag, startTime, endTime time.Time, err error) {
	duration := endTime.Sub(startTime)
	if tag == engine.PhaseBuild {
		r.buildFinished(build, duration, err)
		return
	}

	r.mu.Lock()
	bt := r.traceOf(build)
	active, ok := bt.phases[tag]
	delete(bt.phases, tag)
	r.mu.Unlock()

	if ok {
		End(active.span, err)
	}
	r.tel.Metrics.RecordPhase(tag, duration, err)
	_ = r.tel.Events.PublishPhaseFinished(build, tag, duration, err)

	log := r.log.WithBuild(build).WithPhase(tag).WithField("duration_ms", duration.Milliseconds())
	if err != nil {
		log.WithError(err).Debug("Phase failed")
		return
	}
	log.Debug("Phase finished")
}

func (r *Recorder) buildStarted(build *engine.Build) {
	r.mu.Lock()
	parent := context.Background()
	if build.Parent != nil {
		if pt, ok := r.builds[build.Parent.ID]; ok {
			parent = pt.ctx
		}
	}
	ctx, span := r.tel.Tracer.StartBuildSpan(parent, build)
	r.builds[build.ID] = &buildTrace{
		ctx:    ctx,
		span:   span,
		phases: make(map[engine.PhaseTag]activeSpan),
		tasks:  make(map[engine.TaskPath]activeSpan),
	}
	r.mu.Unlock()

	r.tel.Metrics.RecordBuildStarted(build)
	_ = r.tel.Events.PublishBuildStarted(build)
	r.log.WithBuild(build).Info("Build started")
}

func (r *Recorder) buildFinished(build *engine.Build, duration time.Duration, failure error) {
	r.mu.Lock()
	bt, ok := r.builds[build.ID]
	delete(r.builds, build.ID)
	r.mu.Unlock()

	if ok {
		End(bt.span, failure)
	}
	r.tel.Metrics.RecordBuildFinished(build, duration, failure)
	_ = r.tel.Events.PublishBuildFinished(build, duration, failure)

	log := r.log.WithBuild(build).WithField("duration_ms", duration.Milliseconds())
	if failure != nil {
		log.WithError(failure).Warn(fmt.Sprintf("Build failed with %d failure(s)", len(engine.FlattenFailures(failure))))
		return
	}
	log.Info("Build succeeded")
}

// traceOf returns the trace of build, creating a detached one for phases
// reported outside a build bracket. Callers hold r.mu.
func (r *Recorder) traceOf(build *engine.Build) *buildTrace {
	bt, ok := r.builds[build.ID]
	if !ok {
		bt = &buildTrace{
			ctx:    context.Background(),
			span:   trace.SpanFromContext(context.Background()),
			phases: make(map[engine.PhaseTag]activeSpan),
			tasks:  make(map[engine.TaskPath]activeSpan),
		}
		r.builds[build.ID] = bt
	}
	return bt
}

// TaskStarted records the start of a task action.
func (r *Recorder) TaskStarted(build *engine.Build, task *engine.Task) {
	r.mu.Lock()
	bt := r.traceOf(build)
	parent := bt.ctx
	if exec, ok := bt.phases[engine.PhaseExecution]; ok {
		parent = exec.ctx
	}
	ctx, span := r.tel.Tracer.StartTaskSpan(parent, build, task)
	bt.tasks[task.Path] = activeSpan{ctx: ctx, span: span}
	r.mu.Unlock()

	r.tel.Metrics.RecordTaskStarted()
	_ = r.tel.Events.PublishTaskStarted(build, task)
	r.log.WithBuild(build).WithTask(task.Path).Debug("Task started")
}

// TaskFinished records the outcome of a task action.
func (r *Recorder) TaskFinished(build *engine.Build, task *engine.Task, state engine.TaskState, duration time.Duration, err error) {
	r.mu.Lock()
	bt := r.traceOf(build)
	active, ok := bt.tasks[task.Path]
	delete(bt.tasks, task.Path)
	r.mu.Unlock()

	if ok {
		active.span.SetAttributes(AttrTaskState.String(string(state)))
		End(active.span, err)
	}
	r.tel.Metrics.RecordTaskFinished(state, duration)
	_ = r.tel.Events.PublishTaskFinished(build, task, state, duration, err)

	log := r.log.WithBuild(build).WithTask(task.Path).WithField("duration_ms", duration.Milliseconds())
	if err != nil {
		log.WithError(err).Warn("Task failed")
		return
	}
	log.Debug("Task finished")
}

// BuildListener returns a listener publishing the milestones of build.
func (r *Recorder) BuildListener(build *engine.Build) engine.BuildListener {
	return &engine.BuildAdapter{
		OnSettingsEvaluated: func(s *engine.Settings) {
			_ = r.tel.Events.PublishMilestone(build, EventTypeSettingsEvaluated,
				fmt.Sprintf("Settings of %s evaluated with %d project(s)", build.Name, len(s.Projects)))
		},
		OnProjectsLoaded: func(b *engine.Build) {
			_ = r.tel.Events.PublishMilestone(b, EventTypeProjectsLoaded,
				fmt.Sprintf("Projects of %s loaded", b.Name))
		},
		OnProjectsEvaluated: func(b *engine.Build) {
			_ = r.tel.Events.PublishMilestone(b, EventTypeProjectsEvaluated,
				fmt.Sprintf("Projects of %s evaluated", b.Name))
		},
	}
}

package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// TaskObserver is notified around each task the scheduler runs.
type TaskObserver interface {
	TaskStarted(build *engine.Build, task *engine.Task)
	TaskFinished(build *engine.Build, task *engine.Task, state engine.TaskState, duration time.Duration, err error)
}

// TaskObservers fans notifications out to several observers in order.
type TaskObservers []TaskObserver

// TaskStarted implements TaskObserver.
func (obs TaskObservers) TaskStarted(build *engine.Build, task *engine.Task) {
	for _, o := range obs {
		o.TaskStarted(build, task)
	}
}

// TaskFinished implements TaskObserver.
func (obs TaskObservers) TaskFinished(build *engine.Build, task *engine.Task, state engine.TaskState, duration time.Duration, err error) {
	for _, o := range obs {
		o.TaskFinished(build, task, state, duration, err)
	}
}

// RunOptions control a single scheduler run.
type RunOptions struct {
	// MaxWorkers bounds parallelism within a level. Zero uses the
	// scheduler default.
	MaxWorkers int

	// ContinueOnFailure keeps running later levels after a task failed.
	ContinueOnFailure bool

	// DryRun completes tasks without running their actions.
	DryRun bool

	// IncludedState reports the state of a task in an included build.
	// When nil, tasks with included dependencies fail.
	IncludedState func(ref engine.TaskReference) engine.TaskState
}

// Scheduler executes task graphs level by level, running independent tasks
// of a level in parallel.
type Scheduler struct {
	// maxWorkers is the default number of concurrent workers
	maxWorkers int

	// observer is notified around each task, may be nil
	observer TaskObserver

	log zerolog.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(maxWorkers int, observer TaskObserver, log zerolog.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Scheduler{
		maxWorkers: maxWorkers,
		observer:   observer,
		log:        log.With().Str("component", "scheduler").Logger(),
	}
}

// RunTasks runs roots of a build using the build's start parameters.
func (s *Scheduler) RunTasks(ctx context.Context, build *engine.Build, roots []engine.TaskPath, sink engine.FailureSink) error {
	return s.Run(ctx, build, roots, RunOptions{
		MaxWorkers:        build.StartParameter.MaxWorkers,
		ContinueOnFailure: build.StartParameter.ContinueOnFailure,
		DryRun:            build.StartParameter.DryRun,
	}, sink)
}

// Run executes the dependency closure of roots. Task failures go to sink;
// the returned error reports only faults that prevented scheduling. When
// Run returns, every node in the closure is terminal.
func (s *Scheduler) Run(ctx context.Context, build *engine.Build, roots []engine.TaskPath, opts RunOptions, sink engine.FailureSink) error {
	if len(roots) == 0 {
		return nil
	}
	levels, err := build.TaskGraph().Levels(roots...)
	if err != nil {
		return err
	}

	log := s.log.With().Str("build", build.Name).Logger()
	log.Debug().Int("levels", len(levels)).Msg("Executing task graph")

	halted := false
	cancelled := false
	for i, level := range levels {
		if !halted && ctx.Err() != nil {
			halted = true
			cancelled = true
			sink.Add(engine.NewInternalError("build cancelled", ctx.Err()).
				WithCode(engine.ErrCodeCancelled).
				WithBuild(build.Name))
		}
		if halted {
			s.abandon(build, level, cancelled)
			continue
		}

		if failed := s.executeLevel(ctx, build, level, opts, sink); failed && !opts.ContinueOnFailure {
			log.Debug().Int("level", i).Msg("Stopping after failed level")
			halted = true
		}
	}
	return nil
}

// Abandon completes every unclaimed node in the closure of roots without
// running it.
func (s *Scheduler) Abandon(build *engine.Build, roots []engine.TaskPath) error {
	if len(roots) == 0 {
		return nil
	}
	levels, err := build.TaskGraph().Levels(roots...)
	if err != nil {
		return err
	}
	for _, level := range levels {
		s.abandon(build, level, false)
	}
	return nil
}

func (s *Scheduler) abandon(build *engine.Build, level []*engine.TaskNode, cancelled bool) {
	reason := "not executed: an earlier task failed"
	if cancelled {
		reason = "not executed: build cancelled"
	}
	for _, node := range level {
		if node.Claim() {
			node.Complete(engine.NewTaskExecutionError(node.Path(), fmt.Errorf("%s", reason)).
				WithCode(engine.ErrCodeDependencyFailed).
				WithBuild(build.Name))
		}
	}
}

// executeLevel runs all nodes of a level with a worker pool and reports
// whether any task failed.
func (s *Scheduler) executeLevel(
	ctx context.Context,
	build *engine.Build,
	level []*engine.TaskNode,
	opts RunOptions,
	sink engine.FailureSink,
) bool {
	workerCount := s.maxWorkers
	if opts.MaxWorkers > 0 {
		workerCount = opts.MaxWorkers
	}
	if len(level) < workerCount {
		workerCount = len(level)
	}

	workQueue := make(chan *engine.TaskNode, len(level))
	for _, node := range level {
		workQueue <- node
	}
	close(workQueue)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed bool
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for node := range workQueue {
				if !node.Claim() {
					// Claimed by an overlapping run; its outcome decides ours.
					if err := node.Wait(ctx); err != nil {
						mu.Lock()
						failed = true
						mu.Unlock()
					}
					continue
				}

				if err := s.dependencyFailure(build, node, opts); err != nil {
					node.Complete(err)
					mu.Lock()
					failed = true
					mu.Unlock()
					continue
				}

				if err := s.executeTask(ctx, build, node, opts); err != nil {
					failure := engine.NewTaskExecutionError(node.Path(), err).WithBuild(build.Name)
					sink.Add(failure)
					node.Complete(failure)
					mu.Lock()
					failed = true
					mu.Unlock()
					continue
				}
				node.Complete(nil)
			}
		}()
	}
	wg.Wait()

	return failed
}

// dependencyFailure returns an error if a dependency of node did not succeed.
func (s *Scheduler) dependencyFailure(build *engine.Build, node *engine.TaskNode, opts RunOptions) error {
	graph := build.TaskGraph()
	for _, dep := range node.Task.DependsOn {
		depNode, ok := graph.Node(dep)
		if !ok || depNode.State() != engine.TaskStateSucceeded {
			return engine.NewTaskExecutionError(node.Path(), fmt.Errorf("dependency %s did not succeed", dep)).
				WithCode(engine.ErrCodeDependencyFailed).
				WithBuild(build.Name)
		}
	}
	for _, ref := range node.Task.IncludedDependencies {
		if opts.IncludedState == nil {
			return engine.NewConfigurationError(
				fmt.Sprintf("task %s depends on %s but included builds are not available here", node.Path(), ref), nil,
			).WithCode(engine.ErrCodeIncludedBuild).WithBuild(build.Name).WithTask(node.Path())
		}
		if state := opts.IncludedState(ref); state != engine.TaskStateSucceeded {
			return engine.NewTaskExecutionError(node.Path(), fmt.Errorf("included task %s is %s", ref, state)).
				WithCode(engine.ErrCodeDependencyFailed).
				WithBuild(build.Name)
		}
	}
	return nil
}

// executeTask runs the action of a single task.
func (s *Scheduler) executeTask(ctx context.Context, build *engine.Build, node *engine.TaskNode, opts RunOptions) (err error) {
	task := node.Task
	listeners := build.Listeners()

	if s.observer != nil {
		s.notify(task, func() { s.observer.TaskStarted(build, task) })
	}
	start := time.Now()
	defer func() {
		state := engine.TaskStateSucceeded
		if err != nil {
			state = engine.TaskStateFailed
		}
		if s.observer != nil {
			s.notify(task, func() { s.observer.TaskFinished(build, task, state, time.Since(start), err) })
		}
	}()

	if opts.DryRun {
		listeners.NotifyOutput(fmt.Sprintf("%s SKIPPED\n", task.Path))
		return nil
	}
	if task.Action == nil {
		return nil
	}

	stdout := NewListenerWriter(listeners.NotifyOutput)
	stderr := NewListenerWriter(listeners.NotifyError)
	tc := engine.TaskContext{
		Build:  build,
		Stdout: stdout,
		Stderr: stderr,
		Logger: s.log.With().Str("build", build.Name).Str("task", task.Path.String()).Logger(),
	}

	defer func() {
		stdout.Flush()
		stderr.Flush()
		if r := recover(); r != nil {
			err = fmt.Errorf("task action panicked: %v", r)
		}
	}()
	return task.Action.Execute(ctx, tc, task)
}

// notify calls an observer. Observer panics are logged and never change
// the task's outcome.
func (s *Scheduler) notify(task *engine.Task, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("task", task.Path.String()).Interface("panic", r).Msg("Task observer panicked")
		}
	}()
	fn()
}

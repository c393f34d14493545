package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Collaborators are the services a launcher drives through the lifecycle.
type Collaborators struct {
	// Required.
	SettingsLoader SettingsLoader
	BuildLoader    BuildLoader
	Configurer     Configurer
	GraphExecuter  GraphExecuter

	// Optional; no-op implementations are used when nil.
	InitScriptHandler          InitScriptHandler
	ExceptionAnalyser          ExceptionAnalyser
	LoggingManager             LoggingManager
	ModelConfigurationListener ModelConfigurationListener
	TasksCompletionListener    TasksCompletionListener
	BuildCompletionListener    BuildCompletionListener
	InternalBuildListener      InternalBuildListener
	BuildServices              BuildServices
	Logger                     *zerolog.Logger
}

// DefaultLauncher drives a build through its lifecycle: init scripts,
// settings, project loading, configuration, task graph population and
// execution.
type DefaultLauncher struct {
	build *Build
	c     Collaborators
	log   zerolog.Logger

	// mu serializes invocations.
	mu        sync.Mutex
	used      bool
	lifecycle *lifecycle

	stopOnce sync.Once
	stopErr  error
}

// NewLauncher creates a launcher for build.
func NewLauncher(build *Build, c Collaborators) (*DefaultLauncher, error) {
	if build == nil {
		return nil, NewInternalError("build is nil", nil).WithCode(ErrCodeValidation)
	}
	switch {
	case c.SettingsLoader == nil:
		return nil, NewInternalError("settings loader is required", nil).WithCode(ErrCodeValidation)
	case c.BuildLoader == nil:
		return nil, NewInternalError("build loader is required", nil).WithCode(ErrCodeValidation)
	case c.Configurer == nil:
		return nil, NewInternalError("configurer is required", nil).WithCode(ErrCodeValidation)
	case c.GraphExecuter == nil:
		return nil, NewInternalError("graph executer is required", nil).WithCode(ErrCodeValidation)
	}

	if c.InitScriptHandler == nil {
		c.InitScriptHandler = nopInitScripts{}
	}
	if c.ExceptionAnalyser == nil {
		c.ExceptionAnalyser = DefaultExceptionAnalyser{}
	}
	if c.LoggingManager == nil {
		c.LoggingManager = nopLoggingManager{}
	}
	if c.ModelConfigurationListener == nil {
		c.ModelConfigurationListener = ModelConfigurationListenerFunc(func(*Build) {})
	}
	if c.TasksCompletionListener == nil {
		c.TasksCompletionListener = TasksCompletionListenerFunc(func(*Build) {})
	}
	if c.BuildCompletionListener == nil {
		c.BuildCompletionListener = BuildCompletionListenerFunc(func() {})
	}
	if c.InternalBuildListener == nil {
		c.InternalBuildListener = nopInternalListener{}
	}

	log := zerolog.Nop()
	if c.Logger != nil {
		log = *c.Logger
	}

	return &DefaultLauncher{
		build: build,
		c:     c,
		log:   log.With().Str("component", "launcher").Str("build", build.Name).Logger(),
	}, nil
}

// Build returns the build driven by the launcher.
func (l *DefaultLauncher) Build() *Build {
	return l.build
}

// AddListener registers a build listener on the build.
func (l *DefaultLauncher) AddListener(listener BuildListener) Registration {
	return l.build.Listeners().AddBuildListener(listener)
}

// AddStandardOutputListener registers a standard output listener on the build.
func (l *DefaultLauncher) AddStandardOutputListener(listener StandardOutputListener) Registration {
	return l.build.Listeners().AddStandardOutputListener(listener)
}

// AddStandardErrorListener registers a standard error listener on the build.
func (l *DefaultLauncher) AddStandardErrorListener(listener StandardOutputListener) Registration {
	return l.build.Listeners().AddStandardErrorListener(listener)
}

// State returns the lifecycle state of the current or last invocation.
func (l *DefaultLauncher) State() LifecycleState {
	l.mu.Lock()
	lc := l.lifecycle
	l.mu.Unlock()
	if lc == nil {
		return LifecycleStateInitial
	}
	return lc.current()
}

// Run drives the build through task execution.
func (l *DefaultLauncher) Run(ctx context.Context) BuildResult {
	return l.doBuild(ctx, StageBuild)
}

// GetBuildAnalysis configures the build without selecting or running tasks.
func (l *DefaultLauncher) GetBuildAnalysis(ctx context.Context) BuildResult {
	return l.doBuild(ctx, StageConfigure)
}

func (l *DefaultLauncher) doBuild(ctx context.Context, upTo Stage) BuildResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.used {
		return BuildResult{
			Build:   l.build,
			Failure: NewInternalError("launcher already ran a build", nil).WithCode(ErrCodeInvalidState),
		}
	}
	l.used = true
	lc := newLifecycle(upTo)
	l.lifecycle = lc

	startErr := safeCall(func() error {
		l.c.LoggingManager.Start()
		return nil
	})
	l.log.Debug().Str("stage", upTo.String()).Msg("Starting build")

	result, _ := Measure(l.c.InternalBuildListener, l.build, PhaseBuild, func() (BuildResult, error) {
		var failure error
		if startErr != nil {
			failure = NewInternalError("failed to start output capture", startErr).
				WithCode(ErrCodePanic).
				WithBuild(l.build.Name)
		} else {
			failure = l.runStages(ctx, lc, upTo)
		}
		if failure != nil {
			failure = l.transform(failure)
		}
		if err := lc.transition(LifecycleStateFinished); err != nil && failure == nil {
			failure = err
		}
		result := BuildResult{Build: l.build, Failure: failure}
		l.notifyFinished(result)
		return result, failure
	})

	if result.Failure != nil {
		l.log.Debug().Err(result.Failure).Msg("Build failed")
	} else {
		l.log.Debug().Msg("Build succeeded")
	}
	return result
}

func (l *DefaultLauncher) runStages(ctx context.Context, lc *lifecycle, upTo Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewInternalError(fmt.Sprintf("build panicked: %v", r), nil).
				WithCode(ErrCodePanic).
				WithBuild(l.build.Name)
		}
	}()

	l.build.Listeners().BuildStarted(l.build)
	return l.doBuildStages(ctx, lc, upTo)
}

func (l *DefaultLauncher) doBuildStages(ctx context.Context, lc *lifecycle, upTo Stage) error {
	b := l.build
	listeners := b.Listeners()
	internal := l.c.InternalBuildListener

	if err := MeasureRun(internal, b, PhaseInitScripts, func() error {
		return l.c.InitScriptHandler.ExecuteScripts(ctx, b)
	}); err != nil {
		return classify(err, func(raw error) *EngineError {
			return NewConfigurationError("init script evaluation failed", raw).WithCode(ErrCodeInitScript).WithBuild(b.Name)
		})
	}

	settings, err := Measure(internal, b, PhaseSettingsEval, func() (*Settings, error) {
		s, err := l.c.SettingsLoader.Load(ctx, b)
		if err != nil {
			return nil, err
		}
		if s == nil || s.RootProject == nil {
			return nil, NewConfigurationError("settings did not define a root project", nil).WithCode(ErrCodeSettings)
		}
		if s.DefaultProject == nil {
			s.DefaultProject = s.RootProject
		}
		b.SetSettings(s)
		listeners.SettingsEvaluated(s)
		return s, nil
	})
	if err != nil {
		return classify(err, func(raw error) *EngineError {
			return NewConfigurationError("settings evaluation failed", raw).WithCode(ErrCodeSettings).WithBuild(b.Name)
		})
	}
	if err := lc.transition(LifecycleStateSettingsEvaluated); err != nil {
		return err
	}

	if err := MeasureRun(internal, b, PhaseProjectsLoading, func() error {
		if err := l.c.BuildLoader.Load(ctx, settings.RootProject, settings.DefaultProject, b, settings.RootScope); err != nil {
			return err
		}
		listeners.ProjectsLoaded(b)
		return nil
	}); err != nil {
		return classify(err, func(raw error) *EngineError {
			return NewConfigurationError("project loading failed", raw).WithCode(ErrCodeProjectLoad).WithBuild(b.Name)
		})
	}
	if err := lc.transition(LifecycleStateProjectsLoaded); err != nil {
		return err
	}

	if err := l.c.Configurer.Configure(ctx, b); err != nil {
		return classify(err, func(raw error) *EngineError {
			return NewConfigurationError("project configuration failed", raw).WithCode(ErrCodeConfigure).WithBuild(b.Name)
		})
	}
	if !b.StartParameter.ConfigureOnDemand {
		_ = MeasureRun(internal, b, PhaseProjectsEvaluation, func() error {
			listeners.ProjectsEvaluated(b)
			return nil
		})
	}
	l.c.ModelConfigurationListener.OnConfigure(b)
	if err := lc.transition(LifecycleStateConfigured); err != nil {
		return err
	}

	if upTo == StageConfigure {
		return nil
	}

	if err := MeasureRun(internal, b, PhaseGraphPopulation, func() error {
		return l.c.GraphExecuter.Select(ctx, b)
	}); err != nil {
		return classify(err, func(raw error) *EngineError {
			return NewConfigurationError("task selection failed", raw).WithCode(ErrCodeTaskSelection).WithBuild(b.Name)
		})
	}
	if b.StartParameter.ConfigureOnDemand {
		listeners.ProjectsEvaluated(b)
	}
	if err := lc.transition(LifecycleStateTaskGraphPopulated); err != nil {
		return err
	}

	if err := MeasureRun(internal, b, PhaseExecution, func() error {
		return l.c.GraphExecuter.Execute(ctx, b)
	}); err != nil {
		return err
	}
	l.c.TasksCompletionListener.OnTasksFinished(b)
	return lc.transition(LifecycleStateExecuted)
}

func (l *DefaultLauncher) transform(err error) (out error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("Exception analyser panicked")
			out = err
		}
	}()
	out = l.c.ExceptionAnalyser.Transform(err)
	if out == nil {
		out = err
	}
	return out
}

func (l *DefaultLauncher) notifyFinished(result BuildResult) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("Build listener panicked in BuildFinished")
		}
	}()
	l.build.Listeners().BuildFinished(result)
}

// Stop releases the build's output capture and services. The build
// completion listener is notified exactly once, whether or not teardown
// succeeds. Subsequent calls return the first call's result.
func (l *DefaultLauncher) Stop() error {
	l.stopOnce.Do(func() {
		defer l.c.BuildCompletionListener.Completed()

		var result *multierror.Error
		if err := safeCall(l.c.LoggingManager.Stop); err != nil {
			result = multierror.Append(result, NewTeardownError("failed to stop output capture", err).WithBuild(l.build.Name))
		}
		if err := NewCompositeStoppable(l.c.BuildServices...).Stop(); err != nil {
			result = multierror.Append(result, NewTeardownError("failed to release build services", err).WithBuild(l.build.Name))
		}
		l.stopErr = result.ErrorOrNil()
		if l.stopErr != nil {
			l.log.Warn().Err(l.stopErr).Msg("Build teardown failed")
		}
	})
	return l.stopErr
}

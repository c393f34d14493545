package engine

import (
	"context"
	"io"
)

// InitScriptHandler evaluates init scripts before settings are read.
type InitScriptHandler interface {
	// ExecuteScripts runs every init script configured for the build.
	ExecuteScripts(ctx context.Context, build *Build) error
}

// SettingsLoader locates and evaluates the settings of a build.
type SettingsLoader interface {
	// Load evaluates settings and returns the project structure.
	Load(ctx context.Context, build *Build) (*Settings, error)
}

// BuildLoader materializes the project hierarchy described by settings.
type BuildLoader interface {
	// Load creates the projects of the build rooted at root.
	Load(ctx context.Context, root, defaultProject *ProjectDescriptor, build *Build, scope *Scope) error
}

// Configurer configures the loaded projects of a build.
type Configurer interface {
	// Configure evaluates project scripts. Under configure-on-demand it may
	// configure only the root project.
	Configure(ctx context.Context, build *Build) error
}

// ProjectConfigurer configures a single project on demand.
type ProjectConfigurer interface {
	// ConfigureProject evaluates the project if it has not been configured.
	ConfigureProject(ctx context.Context, build *Build, project *Project) error
}

// GraphExecuter selects and runs the requested tasks of a build.
type GraphExecuter interface {
	// Select populates the task graph from the requested task names.
	Select(ctx context.Context, build *Build) error

	// Execute runs the populated task graph.
	Execute(ctx context.Context, build *Build) error
}

// ExceptionAnalyser canonicalizes raw faults. Transform must never fail.
type ExceptionAnalyser interface {
	Transform(err error) error
}

// LoggingManager captures build output for the duration of an invocation.
type LoggingManager interface {
	Start()
	Stop() error
}

// ModelConfigurationListener is notified once the build model is configured.
type ModelConfigurationListener interface {
	OnConfigure(build *Build)
}

// ModelConfigurationListenerFunc adapts a function to ModelConfigurationListener.
type ModelConfigurationListenerFunc func(build *Build)

// OnConfigure implements ModelConfigurationListener.
func (f ModelConfigurationListenerFunc) OnConfigure(build *Build) { f(build) }

// TasksCompletionListener is notified after the task graph executed.
type TasksCompletionListener interface {
	OnTasksFinished(build *Build)
}

// TasksCompletionListenerFunc adapts a function to TasksCompletionListener.
type TasksCompletionListenerFunc func(build *Build)

// OnTasksFinished implements TasksCompletionListener.
func (f TasksCompletionListenerFunc) OnTasksFinished(build *Build) { f(build) }

// BuildCompletionListener is notified exactly once when a launcher stops.
type BuildCompletionListener interface {
	Completed()
}

// BuildCompletionListenerFunc adapts a function to BuildCompletionListener.
type BuildCompletionListenerFunc func()

// Completed implements BuildCompletionListener.
func (f BuildCompletionListenerFunc) Completed() { f() }

// BuildServices are build-scoped resources released when the launcher stops.
type BuildServices []io.Closer

type nopInitScripts struct{}

func (nopInitScripts) ExecuteScripts(context.Context, *Build) error { return nil }

type nopLoggingManager struct{}

func (nopLoggingManager) Start() {}

func (nopLoggingManager) Stop() error { return nil }

package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildlauncher/pkg/composite"
	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// GraphExecuter selects requested tasks into a build's task graph and runs
// them, coordinating with included builds the selected tasks depend on.
type GraphExecuter struct {
	scheduler  *Scheduler
	included   *composite.IncludedBuilds
	configurer engine.ProjectConfigurer
	log        zerolog.Logger

	// maxParallelBuilds bounds how many included builds are awaited at once
	maxParallelBuilds int

	mu          sync.Mutex
	controllers map[string][]*composite.Controller
}

// NewGraphExecuter creates a graph executer. included and configurer may be
// nil; without a registry, dependencies on included builds fail selection.
func NewGraphExecuter(
	scheduler *Scheduler,
	included *composite.IncludedBuilds,
	configurer engine.ProjectConfigurer,
	log zerolog.Logger,
) *GraphExecuter {
	return &GraphExecuter{
		scheduler:   scheduler,
		included:    included,
		configurer:  configurer,
		log:         log.With().Str("component", "graph-executer").Logger(),
		controllers: make(map[string][]*composite.Controller),
	}
}

// WithMaxParallelBuilds bounds concurrent included build awaiting.
func (e *GraphExecuter) WithMaxParallelBuilds(n int) *GraphExecuter {
	e.maxParallelBuilds = n
	return e
}

// Select implements engine.GraphExecuter.
func (e *GraphExecuter) Select(ctx context.Context, build *engine.Build) error {
	names := build.StartParameter.TaskNames
	if len(names) == 0 {
		if settings := build.Settings(); settings != nil {
			names = settings.DefaultTasks
		}
	}
	if len(names) == 0 {
		e.log.Info().Str("build", build.Name).Msg("No tasks requested")
		return nil
	}

	var selected []*engine.Task
	for _, name := range names {
		tasks, err := e.resolve(ctx, build, name)
		if err != nil {
			return err
		}
		selected = append(selected, tasks...)
	}

	var lookupErr error
	lookup := engine.TaskLookupFunc(func(path engine.TaskPath) (*engine.Task, bool) {
		project, ok := build.Project(path.ProjectPath())
		if !ok {
			return nil, false
		}
		if err := e.ensureConfigured(ctx, build, project); err != nil {
			if lookupErr == nil {
				lookupErr = err
			}
			return nil, false
		}
		return project.Task(path.Name())
	})

	graph := build.TaskGraph()
	if err := graph.AddTasks(lookup, selected...); err != nil {
		if lookupErr != nil {
			return lookupErr
		}
		return err
	}
	paths := make([]engine.TaskPath, 0, len(selected))
	for _, task := range selected {
		paths = append(paths, task.Path)
	}
	graph.MarkRequested(paths...)

	e.log.Debug().
		Str("build", build.Name).
		Int("requested", len(paths)).
		Int("tasks", graph.Len()).
		Msg("Task graph populated")

	return e.requestIncluded(ctx, build)
}

// resolve maps a requested name to tasks. Absolute paths name one task;
// bare names select the task of that name in every project.
func (e *GraphExecuter) resolve(ctx context.Context, build *engine.Build, name string) ([]*engine.Task, error) {
	if strings.HasPrefix(name, ":") {
		path, err := engine.ParseTaskPath(name)
		if err != nil {
			return nil, err
		}
		project, ok := build.Project(path.ProjectPath())
		if !ok {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("project %s not found in build %s", path.ProjectPath(), build.Name), nil,
			).WithCode(engine.ErrCodeNotFound).WithTask(path)
		}
		if err := e.ensureConfigured(ctx, build, project); err != nil {
			return nil, err
		}
		task, ok := project.Task(path.Name())
		if !ok {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("task %s not found in build %s", path, build.Name), nil,
			).WithCode(engine.ErrCodeNotFound).WithTask(path)
		}
		return []*engine.Task{task}, nil
	}

	var tasks []*engine.Task
	for _, project := range build.Projects() {
		if err := e.ensureConfigured(ctx, build, project); err != nil {
			return nil, err
		}
		if task, ok := project.Task(name); ok {
			tasks = append(tasks, task)
		}
	}
	if len(tasks) == 0 {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("task %q not found in any project of build %s", name, build.Name), nil,
		).WithCode(engine.ErrCodeNotFound)
	}
	return tasks, nil
}

func (e *GraphExecuter) ensureConfigured(ctx context.Context, build *engine.Build, project *engine.Project) error {
	if e.configurer == nil || project.Configured() {
		return nil
	}
	return e.configurer.ConfigureProject(ctx, build, project)
}

// requestIncluded queues the included-build tasks the graph depends on and
// starts their execution.
func (e *GraphExecuter) requestIncluded(ctx context.Context, build *engine.Build) error {
	var refs []engine.TaskReference
	seen := make(map[engine.TaskReference]bool)
	for _, node := range build.TaskGraph().Nodes() {
		for _, ref := range node.Task.IncludedDependencies {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	if len(refs) == 0 {
		return nil
	}
	if e.included == nil {
		return engine.NewConfigurationError(
			fmt.Sprintf("build %s depends on %s but has no included builds", build.Name, refs[0]), nil,
		).WithCode(engine.ErrCodeIncludedBuild)
	}
	if settings := build.Settings(); settings != nil {
		if err := e.included.Register(settings.IncludedBuilds...); err != nil {
			return err
		}
	}

	var requested []*composite.Controller
	known := make(map[*composite.Controller]bool)
	for _, ref := range refs {
		ctl, err := e.included.RequestTask(ctx, ref)
		if err != nil {
			// Work queued so far is dropped; nothing has started yet.
			failures := engine.NewFailureAggregator()
			failures.Add(err)
			for _, queued := range requested {
				queued.Discard(failures)
			}
			return failures.Failure()
		}
		if !known[ctl] {
			known[ctl] = true
			requested = append(requested, ctl)
		}
	}

	for _, ctl := range requested {
		for ctl.PopulateTaskGraph(ctx) {
		}
		ctl.StartTaskExecution(ctx)
	}

	e.mu.Lock()
	e.controllers[build.ID] = requested
	e.mu.Unlock()

	e.log.Debug().
		Str("build", build.Name).
		Int("included_builds", len(requested)).
		Int("included_tasks", len(refs)).
		Msg("Included build tasks scheduled")
	return nil
}

// Execute implements engine.GraphExecuter. Included builds finish first;
// their failures and the build's own task failures are combined.
func (e *GraphExecuter) Execute(ctx context.Context, build *engine.Build) error {
	e.mu.Lock()
	controllers := e.controllers[build.ID]
	delete(e.controllers, build.ID)
	e.mu.Unlock()

	failures := engine.NewFailureAggregator()
	params := build.StartParameter
	roots := build.TaskGraph().Requested()

	if len(controllers) > 0 {
		composite.AwaitAll(ctx, controllers, e.maxParallelBuilds, failures)
		if failures.Len() > 0 && e.included != nil {
			e.included.Close()
		}
	}

	if failures.Len() > 0 && !params.ContinueOnFailure {
		if err := e.scheduler.Abandon(build, roots); err != nil {
			failures.Add(err)
		}
		return failures.Failure()
	}

	opts := RunOptions{
		MaxWorkers:        params.MaxWorkers,
		ContinueOnFailure: params.ContinueOnFailure,
		DryRun:            params.DryRun,
		IncludedState:     e.includedState(ctx),
	}
	if err := e.scheduler.Run(ctx, build, roots, opts, failures); err != nil {
		failures.Add(err)
	}
	return failures.Failure()
}

func (e *GraphExecuter) includedState(ctx context.Context) func(engine.TaskReference) engine.TaskState {
	if e.included == nil {
		return nil
	}
	return func(ref engine.TaskReference) engine.TaskState {
		ctl, err := e.included.Controller(ctx, ref.Build)
		if err != nil {
			return engine.TaskStateFailed
		}
		return ctl.TaskState(ref.Path)
	}
}

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// ProjectEvaluator configures projects by registering their declared tasks
// and running their Starlark build scripts. Under configure-on-demand only
// the root project is configured up front.
type ProjectEvaluator struct {
	evaluator *StarlarkEvaluator
	log       zerolog.Logger
}

// NewProjectEvaluator creates a project evaluator.
func NewProjectEvaluator(evaluator *StarlarkEvaluator, log zerolog.Logger) *ProjectEvaluator {
	return &ProjectEvaluator{
		evaluator: evaluator,
		log:       log.With().Str("component", "project-evaluator").Logger(),
	}
}

// Configure implements engine.Configurer.
func (e *ProjectEvaluator) Configure(ctx context.Context, build *engine.Build) error {
	if build.StartParameter.ConfigureOnDemand {
		root := build.RootProject()
		if root == nil {
			return engine.NewConfigurationError("no root project to configure", nil).WithCode(engine.ErrCodeConfigure)
		}
		return e.ConfigureProject(ctx, build, root)
	}
	for _, project := range build.Projects() {
		if err := e.ConfigureProject(ctx, build, project); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureProject implements engine.ProjectConfigurer. A project is
// configured at most once, even if the first attempt failed.
func (e *ProjectEvaluator) ConfigureProject(ctx context.Context, build *engine.Build, project *engine.Project) error {
	if !project.MarkConfigured() {
		return nil
	}
	log := e.log.With().Str("build", build.Name).Str("project", project.Path).Logger()

	desc := project.Descriptor
	if desc == nil {
		return nil
	}

	for _, spec := range desc.Tasks {
		var action engine.TaskAction
		if spec.Script != "" {
			action = NewScriptAction(e.evaluator, fmt.Sprintf("%s#%s", desc.Path, spec.Name), spec.Script)
		}
		if err := e.addTask(project, spec, action); err != nil {
			return err
		}
	}

	if desc.BuildScript != "" {
		if err := e.runBuildScript(ctx, build, project); err != nil {
			return err
		}
	}

	log.Debug().Int("tasks", len(project.Tasks())).Msg("Project configured")
	return nil
}

func (e *ProjectEvaluator) addTask(project *engine.Project, spec engine.TaskSpec, action engine.TaskAction) error {
	task, err := engine.NewTask(project.Path, spec, action)
	if err != nil {
		return err
	}
	if err := project.AddTask(task); err != nil {
		return err
	}
	return nil
}

func (e *ProjectEvaluator) runBuildScript(ctx context.Context, build *engine.Build, project *engine.Project) error {
	path := project.Descriptor.BuildScript
	if !filepath.IsAbs(path) {
		path = filepath.Join(project.Dir, path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return engine.NewConfigurationError(fmt.Sprintf("failed to read build script of %s", project.Path), err).
			WithCode(engine.ErrCodeConfigure).
			WithBuild(build.Name)
	}

	var parent *engine.Scope
	if settings := build.Settings(); settings != nil {
		parent = settings.RootScope
	}
	scope := engine.NewScope(project.Path, parent, nil)

	taskBuiltin := starlark.NewBuiltin("task", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			name        string
			dependsOn   starlark.Value
			description string
			action      starlark.Value
			script      string
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"name", &name,
			"depends_on?", &dependsOn,
			"description?", &description,
			"action?", &action,
			"script?", &script,
		); err != nil {
			return nil, err
		}
		deps, err := stringList(dependsOn)
		if err != nil {
			return nil, fmt.Errorf("%s: depends_on: %w", b.Name(), err)
		}

		spec := engine.TaskSpec{Name: name, Description: description, DependsOn: deps, Script: script}
		var taskAction engine.TaskAction
		switch {
		case action != nil && action != starlark.None:
			fn, ok := action.(starlark.Callable)
			if !ok {
				return nil, fmt.Errorf("%s: action must be callable, got %s", b.Name(), action.Type())
			}
			taskAction = NewFunctionAction(e.evaluator, fn)
		case script != "":
			taskAction = NewScriptAction(e.evaluator, fmt.Sprintf("%s#%s", project.Path, name), script)
		}
		if err := e.addTask(project, spec, taskAction); err != nil {
			return nil, err
		}
		return starlark.None, nil
	})

	_, err = e.evaluator.Exec(ctx, Script{
		Filename: path,
		Source:   string(src),
		Predeclared: starlark.StringDict{
			"build":    buildStruct(build),
			"project":  projectStruct(project),
			"property": propertyBuiltin(build, scope),
			"task":     taskBuiltin,
		},
		Print: func(msg string) {
			build.Listeners().NotifyOutput(strings.TrimSuffix(msg, "\n") + "\n")
		},
	})
	if err != nil {
		return engine.NewConfigurationError(fmt.Sprintf("build script of %s failed", project.Path), err).
			WithCode(engine.ErrCodeConfigure).
			WithBuild(build.Name)
	}
	return nil
}

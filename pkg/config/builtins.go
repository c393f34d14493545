package config

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// propertyBuiltin resolves a name from build properties first, then from
// scope. Missing names yield the default, or fail when none is given.
func propertyBuiltin(build *engine.Build, scope *engine.Scope) *starlark.Builtin {
	return starlark.NewBuiltin("property", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var def starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
			return nil, err
		}

		if v, ok := build.Property(name); ok {
			return toStarlarkValue(v)
		}
		if scope != nil {
			if v, ok := scope.Lookup(name); ok {
				return toStarlarkValue(v)
			}
		}
		if def != nil {
			return def, nil
		}
		return nil, fmt.Errorf("%s: no property named %q", b.Name(), name)
	})
}

// setPropertyBuiltin stores a build-wide property.
func setPropertyBuiltin(build *engine.Build) *starlark.Builtin {
	return starlark.NewBuiltin("set_property", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var value starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
			return nil, err
		}
		goVal, err := fromStarlarkValue(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		build.SetProperty(name, goVal)
		return starlark.None, nil
	})
}

// buildStruct exposes read-only build attributes to scripts.
func buildStruct(build *engine.Build) *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(starlark.String("build"), starlark.StringDict{
		"name":        starlark.String(build.Name),
		"id":          starlark.String(build.ID),
		"project_dir": starlark.String(build.StartParameter.ProjectDir),
		"is_root":     starlark.Bool(build.IsRoot()),
	})
}

// projectStruct exposes read-only project attributes to scripts.
func projectStruct(project *engine.Project) *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(starlark.String("project"), starlark.StringDict{
		"path": starlark.String(project.Path),
		"name": starlark.String(project.Name),
		"dir":  starlark.String(project.Dir),
	})
}

// taskStruct exposes read-only task attributes to task actions.
func taskStruct(task *engine.Task) *starlarkstruct.Struct {
	deps := make([]starlark.Value, 0, len(task.DependsOn))
	for _, d := range task.DependsOn {
		deps = append(deps, starlark.String(d))
	}
	return starlarkstruct.FromStringDict(starlark.String("task"), starlark.StringDict{
		"name":       starlark.String(task.Name),
		"path":       starlark.String(task.Path),
		"project":    starlark.String(task.Project),
		"depends_on": starlark.NewList(deps),
	})
}

package config

import (
	"context"
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// StarlarkAction is a task action written in Starlark: either a snippet
// from settings or a function defined by a build script. print output goes
// to the task's standard output.
type StarlarkAction struct {
	evaluator *StarlarkEvaluator
	filename  string
	source    string
	fn        starlark.Callable
}

// NewScriptAction creates an action that runs a Starlark snippet.
func NewScriptAction(evaluator *StarlarkEvaluator, filename, source string) *StarlarkAction {
	return &StarlarkAction{evaluator: evaluator, filename: filename, source: source}
}

// NewFunctionAction creates an action that calls fn with the task.
func NewFunctionAction(evaluator *StarlarkEvaluator, fn starlark.Callable) *StarlarkAction {
	return &StarlarkAction{evaluator: evaluator, filename: fn.Name(), fn: fn}
}

// Execute implements engine.TaskAction. A script may fail the task with
// fail("reason").
func (a *StarlarkAction) Execute(ctx context.Context, tc engine.TaskContext, task *engine.Task) error {
	printer := func(msg string) {
		if tc.Stdout != nil {
			fmt.Fprintln(tc.Stdout, strings.TrimSuffix(msg, "\n"))
		}
	}

	if a.fn != nil {
		_, err := a.evaluator.Call(ctx, a.filename, a.fn, starlark.Tuple{taskStruct(task)}, printer)
		return err
	}

	var scope *engine.Scope
	if settings := tc.Build.Settings(); settings != nil {
		scope = settings.RootScope
	}
	_, err := a.evaluator.Exec(ctx, Script{
		Filename: a.filename,
		Source:   a.source,
		Predeclared: starlark.StringDict{
			"build":    buildStruct(tc.Build),
			"task":     taskStruct(task),
			"property": propertyBuiltin(tc.Build, scope),
		},
		Print: printer,
	})
	return err
}

package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark scripts with a timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Script is a Starlark program together with its environment.
type Script struct {
	// Filename is reported in errors and tracebacks.
	Filename string

	// Source is the program text.
	Source string

	// Predeclared are the names visible to the program besides the
	// universe.
	Predeclared starlark.StringDict

	// Print receives output of the print builtin. Nil discards it.
	Print func(msg string)
}

// Exec runs a script and returns its globals. The script is cancelled when
// ctx is done or the timeout elapses.
func (se *StarlarkEvaluator) Exec(ctx context.Context, script Script) (starlark.StringDict, error) {
	thread := se.newThread(script.Filename, script.Print)
	stop := se.watch(ctx, thread)
	defer stop()

	predeclared := starlark.StringDict{"struct": starlark.NewBuiltin("struct", starlarkstruct.Make)}
	for k, v := range script.Predeclared {
		predeclared[k] = v
	}

	globals, err := starlark.ExecFile(thread, script.Filename, script.Source, predeclared)
	if err != nil {
		return nil, describeStarlarkError(err)
	}
	return globals, nil
}

// Call invokes a Starlark callable, typically a function defined by a
// build script, with the same cancellation rules as Exec.
func (se *StarlarkEvaluator) Call(ctx context.Context, name string, fn starlark.Callable, args starlark.Tuple, print func(string)) (starlark.Value, error) {
	thread := se.newThread(name, print)
	stop := se.watch(ctx, thread)
	defer stop()

	v, err := starlark.Call(thread, fn, args, nil)
	if err != nil {
		return nil, describeStarlarkError(err)
	}
	return v, nil
}

// Evaluate executes a script with Go input values and returns its exported
// globals converted back to Go values. Names starting with '_' are private.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	predeclared := make(starlark.StringDict, len(input))
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := se.Exec(ctx, Script{Filename: "eval.star", Source: script, Predeclared: predeclared})
	if err != nil {
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(startTime),
	}, nil
}

func (se *StarlarkEvaluator) newThread(name string, print func(string)) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			if print != nil {
				print(msg)
			}
		},
	}
}

// watch cancels thread when ctx is done or the timeout elapses. The
// returned func releases the watcher.
func (se *StarlarkEvaluator) watch(ctx context.Context, thread *starlark.Thread) func() {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	done := make(chan struct{})
	go func() {
		select {
		case <-evalCtx.Done():
			if evalCtx.Err() == context.DeadlineExceeded {
				thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
			} else {
				thread.Cancel("cancelled")
			}
		case <-done:
		}
	}()
	return func() {
		close(done)
		cancel()
	}
}

func describeStarlarkError(err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return fmt.Errorf("starlark execution failed: %s", evalErr.Backtrace())
	}
	return fmt.Errorf("starlark execution failed: %w", err)
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// stringList unpacks an optional Starlark list or tuple of strings.
func stringList(v starlark.Value) ([]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("expected a list of strings, got %s", v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()

	var out []string
	var x starlark.Value
	for iter.Next(&x) {
		s, ok := starlark.AsString(x)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", x.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

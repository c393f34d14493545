package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// fakeConfigurer registers the given tasks when a project is configured.
type fakeConfigurer struct {
	tasks     map[string][]engine.TaskSpec
	err       error
	configure int
}

func (f *fakeConfigurer) Configure(ctx context.Context, build *engine.Build) error {
	f.configure++
	if f.err != nil {
		return f.err
	}
	if build.StartParameter.ConfigureOnDemand {
		return f.ConfigureProject(ctx, build, build.RootProject())
	}
	for _, p := range build.Projects() {
		if err := f.ConfigureProject(ctx, build, p); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeConfigurer) ConfigureProject(_ context.Context, _ *engine.Build, project *engine.Project) error {
	if !project.MarkConfigured() {
		return nil
	}
	for _, spec := range f.tasks[project.Path] {
		task, err := engine.NewTask(project.Path, spec, nil)
		if err != nil {
			return err
		}
		if err := project.AddTask(task); err != nil {
			return err
		}
	}
	return nil
}

type plainConfigurer struct{}

func (plainConfigurer) Configure(context.Context, *engine.Build) error { return nil }

func unconfiguredBuild(t *testing.T, onDemand bool) *engine.Build {
	t.Helper()
	build := newTestBuild(t, testBuildSpec{
		projects: []testProject{{path: ":"}, {path: ":lib"}},
	})
	build.StartParameter.ConfigureOnDemand = onDemand
	return build
}

func TestConfigurer_Enforcing(t *testing.T) {
	next := &fakeConfigurer{tasks: map[string][]engine.TaskSpec{
		":lib": {{Name: "compile", DependsOn: []string{"plugins:api"}}},
	}}
	var reported []Violation
	c := NewConfigurer(next, newTestEngine(t), ModeEnforcing, zerolog.Nop()).
		OnViolation(func(_ *engine.Build, v Violation) { reported = append(reported, v) })

	err := c.Configure(context.Background(), unconfiguredBuild(t, false))
	if err == nil {
		t.Fatal("expected policy failure")
	}
	if !engine.IsConfigurationFailure(err) {
		t.Errorf("expected configuration failure, got class %s", engine.ClassOf(err))
	}
	if engine.CodeOf(err) != engine.ErrCodePolicy {
		t.Errorf("expected code %s, got %s", engine.ErrCodePolicy, engine.CodeOf(err))
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Build != "app" {
		t.Errorf("expected failure attributed to app, got %v", err)
	}
	if len(reported) != 1 || reported[0].Policy != "task-dependencies" {
		t.Errorf("unexpected reported violations %+v", reported)
	}
}

func TestConfigurer_Advisory(t *testing.T) {
	next := &fakeConfigurer{tasks: map[string][]engine.TaskSpec{
		":": {{Name: "loop", DependsOn: []string{"loop"}}},
	}}
	var reported []Violation
	c := NewConfigurer(next, newTestEngine(t), ModeAdvisory, zerolog.Nop()).
		OnViolation(func(_ *engine.Build, v Violation) { reported = append(reported, v) })

	build := unconfiguredBuild(t, false)
	if err := c.Configure(context.Background(), build); err != nil {
		t.Fatalf("advisory mode must not fail: %v", err)
	}
	if len(reported) != 1 || reported[0].Subject != ":loop" {
		t.Fatalf("unexpected reported violations %+v", reported)
	}

	// The same violation is reported once per build.
	if err := c.check(context.Background(), build); err != nil {
		t.Fatalf("check() error = %v", err)
	}
	if len(reported) != 1 {
		t.Errorf("violation reported twice: %+v", reported)
	}
}

func TestConfigurer_ConfigureOnDemand(t *testing.T) {
	next := &fakeConfigurer{tasks: map[string][]engine.TaskSpec{
		":lib": {{Name: "loop", DependsOn: []string{"loop"}}},
	}}
	c := NewConfigurer(next, newTestEngine(t), ModeEnforcing, zerolog.Nop())

	build := unconfiguredBuild(t, true)
	if err := c.Configure(context.Background(), build); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	lib, _ := build.Project(":lib")
	err := c.ConfigureProject(context.Background(), build, lib)
	if engine.CodeOf(err) != engine.ErrCodePolicy {
		t.Fatalf("expected policy failure after configuring :lib, got %v", err)
	}

	// Already configured projects are not checked again.
	if err := c.ConfigureProject(context.Background(), build, lib); err != nil {
		t.Errorf("expected no check for a configured project, got %v", err)
	}
}

func TestConfigurer_PropagatesFailures(t *testing.T) {
	boom := engine.NewConfigurationError("script failed", nil)
	c := NewConfigurer(&fakeConfigurer{err: boom}, newTestEngine(t), ModeEnforcing, zerolog.Nop())

	if err := c.Configure(context.Background(), unconfiguredBuild(t, false)); !errors.Is(err, boom) {
		t.Errorf("expected wrapped configurer error, got %v", err)
	}

	plain := NewConfigurer(plainConfigurer{}, newTestEngine(t), ModeEnforcing, zerolog.Nop())
	build := unconfiguredBuild(t, true)
	lib, _ := build.Project(":lib")
	if err := plain.ConfigureProject(context.Background(), build, lib); !engine.IsInternal(err) {
		t.Errorf("expected internal error, got %v", err)
	}
}

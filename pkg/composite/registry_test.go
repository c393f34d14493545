package composite

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

func newTestRegistry(t *testing.T, runner GraphRunner, nested map[string]*fakeNested) *IncludedBuilds {
	t.Helper()
	r := NewIncludedBuilds(func(ctx context.Context, spec engine.IncludedBuildSpec) (*Controller, error) {
		n, ok := nested[spec.Name]
		if !ok {
			return nil, errors.New("no fake for " + spec.Name)
		}
		return NewController(n, runner, zerolog.Nop()), nil
	}, zerolog.Nop())
	for name := range nested {
		if err := r.Register(engine.IncludedBuildSpec{Name: name, Dir: "/builds/" + name}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	return r
}

func TestIncludedBuildsControllerIsShared(t *testing.T) {
	r := newTestRegistry(t, &fakeRunner{}, map[string]*fakeNested{"plugins": newFakeNested(t, "plugins", "jar")})

	first, err := r.Controller(context.Background(), "plugins")
	if err != nil {
		t.Fatalf("Controller failed: %v", err)
	}
	second, _ := r.Controller(context.Background(), "plugins")
	if first != second {
		t.Error("expected one controller per nested build")
	}

	if _, err := r.Controller(context.Background(), "unknown"); !engine.IsConfigurationFailure(err) {
		t.Errorf("expected configuration failure for unknown build, got %v", err)
	}
}

func TestIncludedBuildsConcurrentRequestsShareController(t *testing.T) {
	nested := newFakeNested(t, "plugins", "jar", "api")
	var created atomic.Int32
	r := NewIncludedBuilds(func(ctx context.Context, spec engine.IncludedBuildSpec) (*Controller, error) {
		created.Add(1)
		return NewController(nested, &fakeRunner{}, zerolog.Nop()), nil
	}, zerolog.Nop())
	if err := r.Register(engine.IncludedBuildSpec{Name: "plugins", Dir: "/builds/plugins"}); err != nil {
		t.Fatal(err)
	}

	controllers := make([]*Controller, 16)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range controllers {
		path := engine.TaskPath(":jar")
		if i%2 == 1 {
			path = ":api"
		}
		g.Go(func() error {
			c, err := r.RequestTask(ctx, engine.TaskReference{Build: "plugins", Path: path})
			controllers[i] = c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("RequestTask failed: %v", err)
	}

	if created.Load() != 1 {
		t.Errorf("expected one controller to be created, got %d", created.Load())
	}
	for _, c := range controllers {
		if c != controllers[0] {
			t.Fatal("expected every request to share the controller")
		}
	}
	for _, path := range []engine.TaskPath{":jar", ":api"} {
		if controllers[0].TaskState(path) != engine.TaskStateQueued {
			t.Errorf("expected %s to be queued, got %s", path, controllers[0].TaskState(path))
		}
	}
}

func TestIncludedBuildsRequestTask(t *testing.T) {
	r := newTestRegistry(t, &fakeRunner{}, map[string]*fakeNested{"plugins": newFakeNested(t, "plugins", "jar")})

	c, err := r.RequestTask(context.Background(), engine.TaskReference{Build: "plugins", Path: ":jar"})
	if err != nil {
		t.Fatalf("RequestTask failed: %v", err)
	}
	if c.TaskState(":jar") != engine.TaskStateQueued {
		t.Errorf("expected queued, got %s", c.TaskState(":jar"))
	}

	r.Close()
	if !r.Closed() {
		t.Error("expected registry to be closed")
	}
	if _, err := r.RequestTask(context.Background(), engine.TaskReference{Build: "plugins", Path: ":jar"}); !errors.Is(err, ErrRequestsClosed) {
		t.Errorf("expected ErrRequestsClosed, got %v", err)
	}
}

func TestIncludedBuildsNoRequestQueuedAfterClose(t *testing.T) {
	r := newTestRegistry(t, &fakeRunner{}, map[string]*fakeNested{"plugins": newFakeNested(t, "plugins")})
	c, err := r.Controller(context.Background(), "plugins")
	if err != nil {
		t.Fatalf("Controller failed: %v", err)
	}

	paths := make([]engine.TaskPath, 64)
	for i := range paths {
		paths[i] = engine.NewTaskPath(engine.RootProjectPath, fmt.Sprintf("t%d", i))
	}

	var g errgroup.Group
	for _, path := range paths {
		g.Go(func() error {
			_, err := r.RequestTask(context.Background(), engine.TaskReference{Build: "plugins", Path: path})
			if err != nil && !errors.Is(err, ErrRequestsClosed) {
				return err
			}
			return nil
		})
	}
	r.Close()
	queuedAtClose := make(map[engine.TaskPath]bool)
	for _, path := range paths {
		if c.TaskState(path) == engine.TaskStateQueued {
			queuedAtClose[path] = true
		}
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("RequestTask failed: %v", err)
	}
	for _, path := range paths {
		if c.TaskState(path) == engine.TaskStateQueued && !queuedAtClose[path] {
			t.Errorf("%s was queued after Close returned", path)
		}
	}
}

func TestIncludedBuildsRegisterConflict(t *testing.T) {
	r := newTestRegistry(t, &fakeRunner{}, map[string]*fakeNested{})

	if err := r.Register(engine.IncludedBuildSpec{Name: "a", Dir: "/x"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(engine.IncludedBuildSpec{Name: "a", Dir: "/x"}); err != nil {
		t.Errorf("identical re-registration should succeed, got %v", err)
	}
	if err := r.Register(engine.IncludedBuildSpec{Name: "a", Dir: "/y"}); err == nil {
		t.Error("expected conflicting registration to fail")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "a" {
		t.Errorf("unexpected names: %v", names)
	}
}

type fakeAnalyzer struct {
	build *engine.Build
	err   error
	calls int
}

func (a *fakeAnalyzer) Build() *engine.Build { return a.build }

func (a *fakeAnalyzer) GetBuildAnalysis(ctx context.Context) engine.BuildResult {
	a.calls++
	return engine.BuildResult{Build: a.build, Failure: a.err}
}

func TestIncludedBuildConfiguresOnce(t *testing.T) {
	analyzer := &fakeAnalyzer{build: engine.NewBuild("plugins", engine.StartParameter{}), err: errors.New("bad")}
	nested := NewIncludedBuild(engine.IncludedBuildSpec{Name: "plugins", Dir: "/p"}, analyzer)

	for i := 0; i < 3; i++ {
		build, err := nested.Configure(context.Background())
		if build != analyzer.build || err != analyzer.err {
			t.Errorf("unexpected result %v, %v", build, err)
		}
	}
	if analyzer.calls != 1 {
		t.Errorf("expected one analysis, got %d", analyzer.calls)
	}
	if nested.Name() != "plugins" {
		t.Errorf("unexpected name %q", nested.Name())
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// recorder collects callbacks in the order they happen.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type stubInitScripts struct {
	r   *recorder
	err error
}

func (s *stubInitScripts) ExecuteScripts(ctx context.Context, build *Build) error {
	s.r.add("initScripts")
	return s.err
}

type stubSettingsLoader struct {
	r   *recorder
	err error
}

func (s *stubSettingsLoader) Load(ctx context.Context, build *Build) (*Settings, error) {
	s.r.add("loadSettings")
	if s.err != nil {
		return nil, s.err
	}
	root := &ProjectDescriptor{Path: RootProjectPath, Name: "root"}
	return &Settings{RootProject: root, Projects: []*ProjectDescriptor{root}}, nil
}

type stubBuildLoader struct {
	r   *recorder
	err error
}

func (s *stubBuildLoader) Load(ctx context.Context, root, defaultProject *ProjectDescriptor, build *Build, scope *Scope) error {
	s.r.add("loadProjects")
	if s.err != nil {
		return s.err
	}
	p := NewProject(root)
	build.SetProjects(p, p, []*Project{p})
	return nil
}

type stubConfigurer struct {
	r        *recorder
	err      error
	panicMsg string
}

func (s *stubConfigurer) Configure(ctx context.Context, build *Build) error {
	s.r.add("configure")
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.err
}

type stubGraphExecuter struct {
	r          *recorder
	mu         sync.Mutex
	selects    int
	executes   int
	selectErr  error
	executeErr error
}

func (s *stubGraphExecuter) Select(ctx context.Context, build *Build) error {
	s.mu.Lock()
	s.selects++
	s.mu.Unlock()
	s.r.add("select")
	return s.selectErr
}

func (s *stubGraphExecuter) Execute(ctx context.Context, build *Build) error {
	s.mu.Lock()
	s.executes++
	s.mu.Unlock()
	s.r.add("execute")
	return s.executeErr
}

type recordingInternalListener struct {
	r *recorder

	mu       sync.Mutex
	finished map[PhaseTag]error
}

func (l *recordingInternalListener) Started(source *Build, tag PhaseTag, startTime time.Time) {
	l.r.add("start:" + string(tag))
}

func (l *recordingInternalListener) Finished(source *Build, tag PhaseTag, startTime, endTime time.Time, err error) {
	l.r.add("finish:" + string(tag))
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished == nil {
		l.finished = make(map[PhaseTag]error)
	}
	l.finished[tag] = err
}

type harness struct {
	rec       *recorder
	init      *stubInitScripts
	settings  *stubSettingsLoader
	loader    *stubBuildLoader
	config    *stubConfigurer
	executer  *stubGraphExecuter
	internal  *recordingInternalListener
	results   []BuildResult
	completed int
}

func newHarness() *harness {
	rec := &recorder{}
	return &harness{
		rec:      rec,
		init:     &stubInitScripts{r: rec},
		settings: &stubSettingsLoader{r: rec},
		loader:   &stubBuildLoader{r: rec},
		config:   &stubConfigurer{r: rec},
		executer: &stubGraphExecuter{r: rec},
	}
}

func (h *harness) launcher(t *testing.T, params StartParameter, extra func(*Collaborators)) *DefaultLauncher {
	t.Helper()

	c := Collaborators{
		InitScriptHandler: h.init,
		SettingsLoader:    h.settings,
		BuildLoader:       h.loader,
		Configurer:        h.config,
		GraphExecuter:     h.executer,
		ModelConfigurationListener: ModelConfigurationListenerFunc(func(*Build) {
			h.rec.add("modelConfigured")
		}),
		TasksCompletionListener: TasksCompletionListenerFunc(func(*Build) {
			h.rec.add("tasksFinished")
		}),
		BuildCompletionListener: BuildCompletionListenerFunc(func() {
			h.completed++
		}),
	}
	if h.internal != nil {
		c.InternalBuildListener = h.internal
	}
	if extra != nil {
		extra(&c)
	}

	l, err := NewLauncher(NewBuild("test", params), c)
	if err != nil {
		t.Fatalf("NewLauncher failed: %v", err)
	}
	l.AddListener(&BuildAdapter{
		OnBuildStarted:      func(*Build) { h.rec.add("buildStarted") },
		OnSettingsEvaluated: func(*Settings) { h.rec.add("settingsEvaluated") },
		OnProjectsLoaded:    func(*Build) { h.rec.add("projectsLoaded") },
		OnProjectsEvaluated: func(*Build) { h.rec.add("projectsEvaluated") },
		OnBuildFinished: func(result BuildResult) {
			h.rec.add("buildFinished")
			h.results = append(h.results, result)
		},
	})
	return l
}

func TestLauncherRunObserverOrderEager(t *testing.T) {
	h := newHarness()
	l := h.launcher(t, StartParameter{}, nil)

	result := l.Run(context.Background())
	if !result.Succeeded() {
		t.Fatalf("expected success, got %v", result.Failure)
	}

	want := []string{
		"buildStarted", "initScripts", "loadSettings", "settingsEvaluated",
		"loadProjects", "projectsLoaded", "configure", "projectsEvaluated",
		"modelConfigured", "select", "execute", "tasksFinished", "buildFinished",
	}
	if diff := cmp.Diff(want, h.rec.list()); diff != "" {
		t.Errorf("observer order mismatch (-want +got):\n%s", diff)
	}
	if l.State() != LifecycleStateFinished {
		t.Errorf("expected finished state, got %s", l.State())
	}
}

func TestLauncherRunObserverOrderConfigureOnDemand(t *testing.T) {
	h := newHarness()
	l := h.launcher(t, StartParameter{ConfigureOnDemand: true}, nil)

	result := l.Run(context.Background())
	if !result.Succeeded() {
		t.Fatalf("expected success, got %v", result.Failure)
	}

	want := []string{
		"buildStarted", "initScripts", "loadSettings", "settingsEvaluated",
		"loadProjects", "projectsLoaded", "configure", "modelConfigured",
		"select", "projectsEvaluated", "execute", "tasksFinished", "buildFinished",
	}
	if diff := cmp.Diff(want, h.rec.list()); diff != "" {
		t.Errorf("observer order mismatch (-want +got):\n%s", diff)
	}
}

func TestGetBuildAnalysisSkipsTaskGraph(t *testing.T) {
	for _, cod := range []bool{false, true} {
		t.Run(fmt.Sprintf("configureOnDemand=%v", cod), func(t *testing.T) {
			h := newHarness()
			l := h.launcher(t, StartParameter{ConfigureOnDemand: cod}, nil)

			result := l.GetBuildAnalysis(context.Background())
			if !result.Succeeded() {
				t.Fatalf("expected success, got %v", result.Failure)
			}
			if h.executer.selects != 0 || h.executer.executes != 0 {
				t.Errorf("expected no select/execute, got %d/%d", h.executer.selects, h.executer.executes)
			}
			events := h.rec.list()
			if events[len(events)-2] != "modelConfigured" || events[len(events)-1] != "buildFinished" {
				t.Errorf("unexpected tail of events: %v", events)
			}
		})
	}
}

type wrappingAnalyser struct {
	calls int
}

func (a *wrappingAnalyser) Transform(err error) error {
	a.calls++
	return fmt.Errorf("analysed: %w", err)
}

func TestLauncherFailureIsCanonicalized(t *testing.T) {
	boom := errors.New("boom")
	h := newHarness()
	h.settings.err = boom
	analyser := &wrappingAnalyser{}
	l := h.launcher(t, StartParameter{}, func(c *Collaborators) {
		c.ExceptionAnalyser = analyser
	})

	result := l.Run(context.Background())
	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if analyser.calls != 1 {
		t.Errorf("expected analyser to be called once, got %d", analyser.calls)
	}
	if !errors.Is(result.Failure, boom) {
		t.Errorf("expected failure to wrap the raw fault, got %v", result.Failure)
	}
	if !strings.HasPrefix(result.Failure.Error(), "analysed:") {
		t.Errorf("expected analysed failure, got %v", result.Failure)
	}
	if !IsConfigurationFailure(result.Failure) {
		t.Errorf("expected configuration failure, got %v", result.Failure)
	}

	if len(h.results) != 1 {
		t.Fatalf("expected exactly one BuildFinished, got %d", len(h.results))
	}
	if h.results[0].Failure != result.Failure {
		t.Errorf("BuildFinished saw a different failure: %v", h.results[0].Failure)
	}

	for _, e := range h.rec.list() {
		if e == "projectsLoaded" || e == "configure" || e == "select" {
			t.Errorf("stage %q ran after settings failed", e)
		}
	}
}

func TestLauncherExecutionFailure(t *testing.T) {
	taskErr := NewTaskExecutionError(":compile", errors.New("exit 1"))
	h := newHarness()
	h.executer.executeErr = taskErr
	l := h.launcher(t, StartParameter{}, nil)

	result := l.Run(context.Background())
	if result.Failure != taskErr {
		t.Fatalf("expected task failure to pass through, got %v", result.Failure)
	}
	for _, e := range h.rec.list() {
		if e == "tasksFinished" {
			t.Error("tasks completion listener should not fire after a failed execution")
		}
	}
}

func TestLauncherRecoversPanic(t *testing.T) {
	h := newHarness()
	h.config.panicMsg = "configurer exploded"
	l := h.launcher(t, StartParameter{}, nil)

	result := l.Run(context.Background())
	if !IsInternal(result.Failure) || CodeOf(result.Failure) != ErrCodePanic {
		t.Fatalf("expected internal panic failure, got %v", result.Failure)
	}
	if len(h.results) != 1 {
		t.Errorf("expected one BuildFinished, got %d", len(h.results))
	}
}

func TestLauncherRunsOnce(t *testing.T) {
	h := newHarness()
	l := h.launcher(t, StartParameter{}, nil)

	if r := l.Run(context.Background()); !r.Succeeded() {
		t.Fatalf("first run failed: %v", r.Failure)
	}
	second := l.Run(context.Background())
	if CodeOf(second.Failure) != ErrCodeInvalidState {
		t.Errorf("expected invalid state failure, got %v", second.Failure)
	}
	if len(h.results) != 1 {
		t.Errorf("second invocation should not notify listeners, got %d finishes", len(h.results))
	}
}

func TestLauncherMeasuresPhases(t *testing.T) {
	t.Run("eager", func(t *testing.T) {
		h := newHarness()
		h.internal = &recordingInternalListener{r: &recorder{}}
		l := h.launcher(t, StartParameter{}, nil)
		l.Run(context.Background())

		want := []string{
			"start:build",
			"start:init-scripts", "finish:init-scripts",
			"start:settings-eval", "finish:settings-eval",
			"start:projects-loading", "finish:projects-loading",
			"start:projects-evaluation", "finish:projects-evaluation",
			"start:graph-population", "finish:graph-population",
			"start:execution", "finish:execution",
			"finish:build",
		}
		if diff := cmp.Diff(want, h.internal.r.list()); diff != "" {
			t.Errorf("phase brackets mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("configure on demand", func(t *testing.T) {
		h := newHarness()
		h.internal = &recordingInternalListener{r: &recorder{}}
		l := h.launcher(t, StartParameter{ConfigureOnDemand: true}, nil)
		l.Run(context.Background())

		for _, e := range h.internal.r.list() {
			if strings.HasSuffix(e, string(PhaseProjectsEvaluation)) {
				t.Errorf("unexpected bracket %q under configure-on-demand", e)
			}
		}
	})

	t.Run("failed phase", func(t *testing.T) {
		h := newHarness()
		h.internal = &recordingInternalListener{r: &recorder{}}
		h.loader.err = errors.New("no such dir")
		l := h.launcher(t, StartParameter{}, nil)
		result := l.Run(context.Background())

		if h.internal.finished[PhaseProjectsLoading] == nil {
			t.Error("expected projects-loading bracket to finish with the error")
		}
		if h.internal.finished[PhaseBuild] != result.Failure {
			t.Error("expected build bracket to finish with the build failure")
		}
	})
}

type failingCloser struct {
	closed int
	err    error
}

func (c *failingCloser) Close() error {
	c.closed++
	return c.err
}

type failingLoggingManager struct{}

func (failingLoggingManager) Start() {}

func (failingLoggingManager) Stop() error { return errors.New("capture stuck") }

type panickingLoggingManager struct{}

func (panickingLoggingManager) Start() { panic("console unavailable") }

func (panickingLoggingManager) Stop() error { return nil }

func TestLauncherRecoversOutputCapturePanic(t *testing.T) {
	h := newHarness()
	l := h.launcher(t, StartParameter{}, func(c *Collaborators) {
		c.LoggingManager = panickingLoggingManager{}
	})

	result := l.Run(context.Background())
	if CodeOf(result.Failure) != ErrCodePanic {
		t.Fatalf("expected a panic failure, got %v", result.Failure)
	}
	if !strings.Contains(result.Failure.Error(), "console unavailable") {
		t.Errorf("expected the panic value in the failure, got %v", result.Failure)
	}
	if l.State() != LifecycleStateFinished {
		t.Errorf("expected finished state, got %s", l.State())
	}
}

func TestStopNotifiesCompletionOnce(t *testing.T) {
	h := newHarness()
	first := &failingCloser{err: errors.New("disk full")}
	second := &failingCloser{}
	l := h.launcher(t, StartParameter{}, func(c *Collaborators) {
		c.LoggingManager = failingLoggingManager{}
		c.BuildServices = BuildServices{first, second}
	})
	l.Run(context.Background())

	err := l.Stop()
	if err == nil {
		t.Fatal("expected teardown error")
	}
	if !IsTeardownFailure(err) {
		t.Errorf("expected teardown failure, got %v", err)
	}
	if first.closed != 1 || second.closed != 1 {
		t.Errorf("expected every service closed once, got %d and %d", first.closed, second.closed)
	}
	if h.completed != 1 {
		t.Errorf("expected completion once, got %d", h.completed)
	}

	if again := l.Stop(); again != err {
		t.Errorf("expected repeated Stop to return the first result, got %v", again)
	}
	if h.completed != 1 {
		t.Errorf("expected completion once after repeated Stop, got %d", h.completed)
	}
}

func TestStopCompletesWhenServicePanics(t *testing.T) {
	h := newHarness()
	l := h.launcher(t, StartParameter{}, func(c *Collaborators) {
		c.BuildServices = BuildServices{CloserFunc(func() error { panic("bad service") })}
	})

	if err := l.Stop(); err == nil {
		t.Fatal("expected teardown error from panicking service")
	}
	if h.completed != 1 {
		t.Errorf("expected completion once, got %d", h.completed)
	}
}

func TestNewLauncherValidatesCollaborators(t *testing.T) {
	if _, err := NewLauncher(NewBuild("x", StartParameter{}), Collaborators{}); err == nil {
		t.Fatal("expected error for missing collaborators")
	}
	if _, err := NewLauncher(nil, Collaborators{}); err == nil {
		t.Fatal("expected error for nil build")
	}
}

package buildtree

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/buildlauncher/pkg/composite"
	"github.com/openfroyo/buildlauncher/pkg/config"
	"github.com/openfroyo/buildlauncher/pkg/engine"
	"github.com/openfroyo/buildlauncher/pkg/execution"
	"github.com/openfroyo/buildlauncher/pkg/policy"
	"github.com/openfroyo/buildlauncher/pkg/stores"
	"github.com/openfroyo/buildlauncher/pkg/telemetry"
)

// Services are the long-lived services shared by every build a process
// runs. They outlive individual launchers so that continuous builds reuse
// one history database and one policy engine.
type Services struct {
	Config    *config.LauncherConfig
	Telemetry *telemetry.Telemetry
	Policies  *policy.Engine
	History   stores.Store

	// Stdout and Stderr receive build output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	recorder  *telemetry.Recorder
	evaluator *config.StarlarkEvaluator
	parser    *config.CUEParser
	base      zerolog.Logger
	log       zerolog.Logger
	ownsStore bool
}

// Open creates the shared services described by cfg. The history database
// is opened and migrated when enabled; the policy engine is created with
// the built-in policies plus the policies in cfg.Policy.Dir.
func Open(ctx context.Context, cfg *config.LauncherConfig, tel *telemetry.Telemetry) (*Services, error) {
	if cfg == nil {
		cfg = config.DefaultLauncherConfig()
	}
	log := tel.Logger.Zerolog()

	s := &Services{
		Config:    cfg,
		Telemetry: tel,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		recorder:  telemetry.NewRecorder(tel),
		evaluator: config.NewStarlarkEvaluator(cfg.Build.ScriptTimeout),
		parser:    config.NewCUEParser(),
		base:      log,
		log:       log.With().Str("component", "buildtree").Logger(),
	}

	if cfg.Policy.Enabled {
		eng, err := policy.NewEngine(log)
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if cfg.Policy.Dir != "" {
			if err := eng.LoadPolicies(ctx, []string{cfg.Policy.Dir}); err != nil {
				return nil, fmt.Errorf("failed to load policies: %w", err)
			}
		}
		s.Policies = eng
	}

	if cfg.History.Enabled {
		store, err := OpenHistory(ctx, cfg.History.Path)
		if err != nil {
			return nil, err
		}
		s.History = store
		s.ownsStore = true
	}

	return s, nil
}

// OpenHistory opens and migrates the history database at path.
func OpenHistory(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return store, nil
}

// Close releases the services opened by Open.
func (s *Services) Close() error {
	if s.ownsStore && s.History != nil {
		return s.History.Close()
	}
	return nil
}

// Tree is one root build and the nested builds it includes. A tree runs
// once; continuous builds create a new tree per run.
type Tree struct {
	svc       *Services
	root      *engine.DefaultLauncher
	included  *composite.IncludedBuilds
	scheduler *execution.Scheduler
	history   *stores.HistoryRecorder

	mu     sync.Mutex
	nested []*engine.DefaultLauncher
}

// NewTree creates the launcher of a root build for params. The root build
// is named after its project directory.
func (s *Services) NewTree(ctx context.Context, params engine.StartParameter) (*Tree, error) {
	if params.ProjectDir == "" {
		params.ProjectDir = "."
	}
	dir, err := filepath.Abs(params.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	params.ProjectDir = dir
	if params.MaxWorkers <= 0 {
		params.MaxWorkers = s.Config.Build.MaxWorkers
	}

	t := &Tree{svc: s}
	observers := execution.TaskObservers{s.recorder}
	if s.History != nil {
		t.history = stores.NewHistoryRecorder(ctx, s.History, s.base)
		observers = append(observers, t.history)
	}
	t.scheduler = execution.NewScheduler(params.MaxWorkers, observers, s.base)
	build := engine.NewBuild(filepath.Base(dir), params)
	t.included = composite.NewIncludedBuilds(t.controllerFactory(build), s.base)

	root, err := t.newLauncher(build, t.included, engine.BuildServices{engine.CloserFunc(t.stopNested)})
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// Launcher returns the root build's launcher.
func (t *Tree) Launcher() *engine.DefaultLauncher {
	return t.root
}

// Build returns the root build.
func (t *Tree) Build() *engine.Build {
	return t.root.Build()
}

// Run runs the requested tasks and stops every launcher of the tree.
// Teardown failures are folded into the result's failure.
func (t *Tree) Run(ctx context.Context) engine.BuildResult {
	return t.finish(t.root.Run(ctx))
}

// Analyze configures the root build without running tasks and stops every
// launcher of the tree.
func (t *Tree) Analyze(ctx context.Context) engine.BuildResult {
	return t.finish(t.root.GetBuildAnalysis(ctx))
}

func (t *Tree) finish(result engine.BuildResult) engine.BuildResult {
	if err := t.root.Stop(); err != nil {
		agg := engine.NewFailureAggregator()
		agg.Add(result.Failure)
		agg.Add(err)
		result.Failure = agg.Failure()
	}
	if err := t.svc.Telemetry.Flush(context.Background()); err != nil {
		t.svc.log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
	return result
}

// controllerFactory creates nested builds of root on demand.
func (t *Tree) controllerFactory(root *engine.Build) composite.ControllerFactory {
	return func(ctx context.Context, spec engine.IncludedBuildSpec) (*composite.Controller, error) {
		nested := engine.NewNestedBuild(root, spec)
		// Nested builds cannot depend on other included builds.
		l, err := t.newLauncher(nested, nil, nil)
		if err != nil {
			return nil, engine.NewIncludedBuildConfigurationError(spec.Name, err)
		}
		t.mu.Lock()
		t.nested = append(t.nested, l)
		t.mu.Unlock()
		return composite.NewController(composite.NewIncludedBuild(spec, l), t.scheduler, t.svc.base), nil
	}
}

// stopNested stops the launchers of every nested build created so far.
func (t *Tree) stopNested() error {
	t.mu.Lock()
	nested := t.nested
	t.nested = nil
	t.mu.Unlock()

	var result *multierror.Error
	for _, l := range nested {
		if err := l.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// newLauncher wires a launcher for build. Only the root build gets an
// included build registry.
func (t *Tree) newLauncher(build *engine.Build, included *composite.IncludedBuilds, services engine.BuildServices) (*engine.DefaultLauncher, error) {
	s := t.svc
	log := s.base.With().Str("build", build.Name).Logger()

	evaluator := config.NewProjectEvaluator(s.evaluator, log)
	var configurer engine.Configurer = evaluator
	var projectConfigurer engine.ProjectConfigurer = evaluator
	if s.Policies != nil {
		pc := policy.NewConfigurer(evaluator, s.Policies, policy.Mode(s.Config.Policy.Mode), log).
			OnViolation(func(b *engine.Build, v policy.Violation) {
				_ = s.Telemetry.Events.PublishPolicyViolation(b, v.Policy, v.Message, string(v.Severity))
			})
		configurer = pc
		projectConfigurer = pc
	}

	internal := engine.InternalBuildListeners{s.recorder}
	if t.history != nil {
		internal = append(internal, t.history)
	}
	build.Listeners().AddBuildListener(s.recorder.BuildListener(build))

	return engine.NewLauncher(build, engine.Collaborators{
		SettingsLoader: config.NewCUESettingsLoader(s.parser, log),
		BuildLoader:    config.NewDefaultBuildLoader(log),
		Configurer:     configurer,
		GraphExecuter: execution.NewGraphExecuter(t.scheduler, included, projectConfigurer, log).
			WithMaxParallelBuilds(s.Config.Build.MaxParallelBuilds),
		InitScriptHandler:     config.NewStarlarkInitScriptHandler(s.evaluator, log),
		LoggingManager:        telemetry.NewOutputCapture(build, s.Stdout, s.Stderr, s.Telemetry.Logger),
		InternalBuildListener: internal,
		BuildServices:         services,
		Logger:                &log,
	})
}

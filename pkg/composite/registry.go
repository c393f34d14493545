package composite

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fatih/semgroup"
	"github.com/rs/zerolog"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// ErrRequestsClosed is returned for task requests made after the registry
// stopped accepting work.
var ErrRequestsClosed = engine.NewInternalError("included builds no longer accept task requests", nil).
	WithCode(engine.ErrCodeRequestsClosed)

// ControllerFactory creates the controller of a declared nested build.
type ControllerFactory func(ctx context.Context, spec engine.IncludedBuildSpec) (*Controller, error)

// IncludedBuilds tracks the nested builds of a build tree and hands out one
// controller per nested build.
type IncludedBuilds struct {
	factory ControllerFactory
	log     zerolog.Logger

	mu          sync.Mutex
	specs       map[string]engine.IncludedBuildSpec
	controllers map[string]*Controller
	closed      bool
}

// NewIncludedBuilds creates an empty registry.
func NewIncludedBuilds(factory ControllerFactory, log zerolog.Logger) *IncludedBuilds {
	return &IncludedBuilds{
		factory:     factory,
		log:         log.With().Str("component", "included-builds").Logger(),
		specs:       make(map[string]engine.IncludedBuildSpec),
		controllers: make(map[string]*Controller),
	}
}

// Register declares nested builds. Re-declaring a name with a different
// directory is an error.
func (r *IncludedBuilds) Register(specs ...engine.IncludedBuildSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spec := range specs {
		if existing, ok := r.specs[spec.Name]; ok {
			if existing.Dir != spec.Dir {
				return engine.NewConfigurationError(
					fmt.Sprintf("included build %q declared twice (%s, %s)", spec.Name, existing.Dir, spec.Dir), nil,
				).WithCode(engine.ErrCodeAlreadyExists)
			}
			continue
		}
		r.specs[spec.Name] = spec
	}
	return nil
}

// Names returns the declared nested build names in sorted order.
func (r *IncludedBuilds) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Controller returns the controller of a declared nested build, creating
// it on first use.
func (r *IncludedBuilds) Controller(ctx context.Context, name string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controllerLocked(ctx, name)
}

func (r *IncludedBuilds) controllerLocked(ctx context.Context, name string) (*Controller, error) {
	if c, ok := r.controllers[name]; ok {
		return c, nil
	}
	spec, ok := r.specs[name]
	if !ok {
		return nil, engine.NewConfigurationError(fmt.Sprintf("no included build named %q", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	c, err := r.factory(ctx, spec)
	if err != nil {
		return nil, err
	}
	r.controllers[name] = c
	r.log.Debug().Str("build", name).Msg("Created included build controller")
	return c, nil
}

// RequestTask queues a task of a nested build and returns its controller.
// Requests made after Close fail with ErrRequestsClosed.
func (r *IncludedBuilds) RequestTask(ctx context.Context, ref engine.TaskReference) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRequestsClosed
	}

	c, err := r.controllerLocked(ctx, ref.Build)
	if err != nil {
		return nil, err
	}
	c.QueueForExecution(ref.Path)
	return c, nil
}

// Close stops accepting new task requests. Work already queued still runs.
func (r *IncludedBuilds) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.log.Debug().Msg("Included builds closed for new requests")
	}
}

// Closed reports whether the registry stopped accepting requests.
func (r *IncludedBuilds) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Controllers returns the created controllers ordered by build name.
func (r *IncludedBuilds) Controllers() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AwaitAll waits for every controller to finish concurrently, appending
// their failures to sink. At most maxParallel controllers are awaited at
// a time; zero or less means all at once.
func AwaitAll(ctx context.Context, controllers []*Controller, maxParallel int, sink engine.FailureSink) {
	if len(controllers) == 0 {
		return
	}
	if maxParallel <= 0 || maxParallel > len(controllers) {
		maxParallel = len(controllers)
	}

	// Awaiting must not be cut short, so the group gets its own context.
	g := semgroup.NewGroup(context.Background(), int64(maxParallel))
	for _, c := range controllers {
		g.Go(func() error {
			c.AwaitTaskCompletion(ctx, sink)
			return nil
		})
	}
	_ = g.Wait()
}

package composite

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// GraphRunner executes the dependency closure of roots in build's task
// graph. Task failures are reported to sink; the returned error is reserved
// for faults that prevented the run from starting.
type GraphRunner interface {
	RunTasks(ctx context.Context, build *engine.Build, roots []engine.TaskPath, sink engine.FailureSink) error
}

// Controller coordinates task requests against one nested build. Requests
// may arrive from any goroutine; the nested build is configured lazily the
// first time its graph is populated.
type Controller struct {
	nested NestedBuild
	runner GraphRunner
	log    zerolog.Logger

	mu        sync.Mutex
	idle      *sync.Cond
	states    map[engine.TaskPath]engine.TaskState
	pending   []engine.TaskPath
	populated []engine.TaskPath
	inflight  int

	configureOnce sync.Once
	build         *engine.Build
	configErr     error
	configLogged  bool

	failures *engine.FailureAggregator
}

// NewController creates a controller for nested.
func NewController(nested NestedBuild, runner GraphRunner, log zerolog.Logger) *Controller {
	c := &Controller{
		nested:   nested,
		runner:   runner,
		log:      log.With().Str("component", "included-build").Str("build", nested.Name()).Logger(),
		states:   make(map[engine.TaskPath]engine.TaskState),
		failures: engine.NewFailureAggregator(),
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Name returns the name of the nested build.
func (c *Controller) Name() string {
	return c.nested.Name()
}

// QueueForExecution requests a task. Repeated requests for the same path
// are idempotent. It never blocks on configuration or execution.
func (c *Controller) QueueForExecution(path engine.TaskPath) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stateLocked(path) != engine.TaskStateUnrequested {
		return
	}
	if c.configErr != nil {
		c.states[path] = engine.TaskStateFailed
		return
	}
	c.states[path] = engine.TaskStateQueued
	c.pending = append(c.pending, path)
}

// TaskState returns the state of a requested task.
func (c *Controller) TaskState(path engine.TaskPath) engine.TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(path)
}

func (c *Controller) stateLocked(path engine.TaskPath) engine.TaskState {
	if s, ok := c.states[path]; ok {
		return s
	}
	return engine.TaskStateUnrequested
}

func (c *Controller) advanceLocked(path engine.TaskPath, next engine.TaskState) {
	if c.stateLocked(path).CanAdvanceTo(next) {
		c.states[path] = next
	}
}

// PopulateTaskGraph moves queued tasks into the nested build's task graph,
// configuring the nested build first if needed. It returns true if any task
// was added. A configuration failure is recorded once and fails every
// queued task.
func (c *Controller) PopulateTaskGraph(ctx context.Context) bool {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.configureOnce.Do(func() {
		build, err := c.nested.Configure(ctx)
		if err == nil && build == nil {
			err = errors.New("configuration produced no build model")
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.build = build
		if err != nil {
			c.configErr = engine.NewIncludedBuildConfigurationError(c.nested.Name(), err)
		}
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.pending
	c.pending = nil

	if c.configErr != nil {
		if !c.configLogged {
			c.configLogged = true
			c.failures.Add(c.configErr)
			c.log.Error().Err(c.configErr).Msg("Included build could not be configured")
		}
		for _, path := range batch {
			c.advanceLocked(path, engine.TaskStateFailed)
		}
		return false
	}

	added := false
	graph := c.build.TaskGraph()
	for _, path := range batch {
		task, ok := c.build.FindTask(path)
		if !ok {
			c.failures.Add(engine.NewConfigurationError(
				fmt.Sprintf("task %s not found in included build %s", path, c.nested.Name()), nil,
			).WithCode(engine.ErrCodeNotFound).WithBuild(c.nested.Name()).WithTask(path))
			c.advanceLocked(path, engine.TaskStateFailed)
			continue
		}
		if err := graph.AddTasks(c.build, task); err != nil {
			var ee *engine.EngineError
			if errors.As(err, &ee) {
				ee.WithBuild(c.nested.Name())
			}
			c.failures.Add(err)
			c.advanceLocked(path, engine.TaskStateFailed)
			continue
		}
		c.advanceLocked(path, engine.TaskStateGraphPopulated)
		c.populated = append(c.populated, path)
		added = true
	}
	return added
}

// Task returns a task that is at least graph populated. Tasks of a build
// that failed to configure resolve to the configuration failure.
func (c *Controller) Task(path engine.TaskPath) (*engine.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.stateLocked(path)
	if c.configErr != nil && state == engine.TaskStateFailed {
		return nil, c.configErr
	}
	if c.build == nil || c.configErr != nil || state == engine.TaskStateQueued {
		return nil, engine.NewInternalError(
			fmt.Sprintf("task %s of included build %s is not in the task graph", path, c.nested.Name()), nil,
		).WithCode(engine.ErrCodeInvalidState)
	}
	node, ok := c.build.TaskGraph().Node(path)
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("task %s not found in included build %s", path, c.nested.Name()), nil,
		).WithCode(engine.ErrCodeNotFound).WithBuild(c.nested.Name()).WithTask(path)
	}
	return node.Task, nil
}

// StartTaskExecution runs all graph-populated tasks in the background.
// It returns immediately.
func (c *Controller) StartTaskExecution(ctx context.Context) {
	c.mu.Lock()
	if len(c.populated) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.populated
	c.populated = nil
	for _, path := range batch {
		c.advanceLocked(path, engine.TaskStateExecuting)
	}
	build := c.build
	c.inflight++
	c.mu.Unlock()

	c.log.Debug().Int("tasks", len(batch)).Msg("Starting included build tasks")

	go func() {
		err := c.runner.RunTasks(ctx, build, batch, c.failures)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.failures.Add(err)
		}
		graph := build.TaskGraph()
		for _, path := range batch {
			next := engine.TaskStateFailed
			if node, ok := graph.Node(path); ok && err == nil && node.State() == engine.TaskStateSucceeded {
				next = engine.TaskStateSucceeded
			}
			c.advanceLocked(path, next)
		}
		c.inflight--
		c.idle.Broadcast()
	}()
}

// AwaitTaskCompletion blocks until every requested task is terminal,
// populating and starting tasks requested in the meantime. Failures
// collected since the previous call are then appended to sink.
func (c *Controller) AwaitTaskCompletion(ctx context.Context, sink engine.FailureSink) {
	c.mu.Lock()
	for {
		for c.inflight > 0 {
			c.idle.Wait()
		}
		if len(c.pending) == 0 && len(c.populated) == 0 {
			break
		}
		c.mu.Unlock()
		c.PopulateTaskGraph(ctx)
		c.StartTaskExecution(ctx)
		c.mu.Lock()
	}
	c.mu.Unlock()

	for _, failure := range c.failures.Drain() {
		sink.Add(failure)
	}
}

// Discard fails every queued or graph-populated task without running it,
// waits for executions already started and appends the collected failures
// to sink. No new work is started.
func (c *Controller) Discard(sink engine.FailureSink) {
	c.mu.Lock()
	for _, path := range c.pending {
		c.advanceLocked(path, engine.TaskStateFailed)
	}
	for _, path := range c.populated {
		c.advanceLocked(path, engine.TaskStateFailed)
	}
	discarded := len(c.pending) + len(c.populated)
	c.pending = nil
	c.populated = nil
	for c.inflight > 0 {
		c.idle.Wait()
	}
	c.mu.Unlock()

	if discarded > 0 {
		c.log.Debug().Int("tasks", discarded).Msg("Discarded included build tasks")
	}
	for _, failure := range c.failures.Drain() {
		sink.Add(failure)
	}
}

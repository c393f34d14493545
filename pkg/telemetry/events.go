package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// Event is a build lifecycle event delivered to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	BuildID   string `json:"build_id,omitempty"`
	BuildName string `json:"build_name,omitempty"`
	Phase     string `json:"phase,omitempty"`
	TaskPath  string `json:"task_path,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeBuildStarted      = "build.started"
	EventTypeBuildFinished     = "build.finished"
	EventTypeBuildFailed       = "build.failed"
	EventTypeSettingsEvaluated = "build.settings_evaluated"
	EventTypeProjectsLoaded    = "build.projects_loaded"
	EventTypeProjectsEvaluated = "build.projects_evaluated"
	EventTypePhaseFinished     = "phase.finished"
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskFinished      = "task.finished"
	EventTypeTaskFailed        = "task.failed"
	EventTypePolicyViolation   = "policy.violation"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers, either synchronously or in
// batches from a background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

func buildEvent(build *engine.Build, eventType, level, message string) Event {
	return Event{
		Type:      eventType,
		BuildID:   build.ID,
		BuildName: build.Name,
		Message:   message,
		Level:     level,
	}
}

// PublishBuildStarted publishes a build started event.
func (ep *EventPublisher) PublishBuildStarted(build *engine.Build) error {
	ev := buildEvent(build, EventTypeBuildStarted, EventLevelInfo, fmt.Sprintf("Build %s started", build.Name))
	ev.Data = map[string]interface{}{
		"root":        build.IsRoot(),
		"project_dir": build.StartParameter.ProjectDir,
		"tasks":       build.StartParameter.TaskNames,
	}
	return ep.Publish(ev)
}

// PublishBuildFinished publishes a build finished or failed event.
func (ep *EventPublisher) PublishBuildFinished(build *engine.Build, duration time.Duration, failure error) error {
	if failure == nil {
		ev := buildEvent(build, EventTypeBuildFinished, EventLevelInfo, fmt.Sprintf("Build %s succeeded", build.Name))
		ev.Data = map[string]interface{}{"duration": duration.Seconds()}
		return ep.Publish(ev)
	}

	failures := engine.FlattenFailures(failure)
	ev := buildEvent(build, EventTypeBuildFailed, EventLevelError, fmt.Sprintf("Build %s failed: %v", build.Name, failure))
	ev.Data = map[string]interface{}{
		"duration": duration.Seconds(),
		"failures": len(failures),
	}
	return ep.Publish(ev)
}

// PublishMilestone publishes one of the build listener milestones.
func (ep *EventPublisher) PublishMilestone(build *engine.Build, eventType, message string) error {
	return ep.Publish(buildEvent(build, eventType, EventLevelInfo, message))
}

// PublishPhaseFinished publishes the timing of a lifecycle phase.
func (ep *EventPublisher) PublishPhaseFinished(build *engine.Build, tag engine.PhaseTag, duration time.Duration, err error) error {
	level := EventLevelInfo
	message := fmt.Sprintf("Phase %s of %s finished", tag, build.Name)
	if err != nil {
		level = EventLevelError
		message = fmt.Sprintf("Phase %s of %s failed: %v", tag, build.Name, err)
	}
	ev := buildEvent(build, EventTypePhaseFinished, level, message)
	ev.Phase = string(tag)
	ev.Data = map[string]interface{}{"duration": duration.Seconds()}
	return ep.Publish(ev)
}

// PublishTaskStarted publishes a task started event.
func (ep *EventPublisher) PublishTaskStarted(build *engine.Build, task *engine.Task) error {
	ev := buildEvent(build, EventTypeTaskStarted, EventLevelInfo, fmt.Sprintf("Task %s started", task.Path))
	ev.TaskPath = task.Path.String()
	return ep.Publish(ev)
}

// PublishTaskFinished publishes a task finished or failed event.
func (ep *EventPublisher) PublishTaskFinished(build *engine.Build, task *engine.Task, state engine.TaskState, duration time.Duration, err error) error {
	ev := buildEvent(build, EventTypeTaskFinished, EventLevelInfo, fmt.Sprintf("Task %s %s", task.Path, state))
	if err != nil {
		ev.Type = EventTypeTaskFailed
		ev.Level = EventLevelError
		ev.Message = fmt.Sprintf("Task %s failed: %v", task.Path, err)
	}
	ev.TaskPath = task.Path.String()
	ev.Data = map[string]interface{}{
		"state":    string(state),
		"duration": duration.Seconds(),
	}
	return ep.Publish(ev)
}

// PublishPolicyViolation publishes a settings policy violation.
func (ep *EventPublisher) PublishPolicyViolation(build *engine.Build, policyName, message, severity string) error {
	ev := buildEvent(build, EventTypePolicyViolation, EventLevelWarning, fmt.Sprintf("Policy %s: %s", policyName, message))
	if severity == "error" {
		ev.Level = EventLevelError
	}
	ev.Data = map[string]interface{}{"policy": policyName}
	return ep.Publish(ev)
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-tick:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByBuild only allows events of one build.
func FilterByBuild(buildID string) EventFilter {
	return func(event Event) bool {
		return event.BuildID == buildID
	}
}

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

func TestEventPublisher_Filters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	app := engine.NewBuild("app", engine.StartParameter{})
	other := engine.NewBuild("other", engine.StartParameter{})
	ep.AddFilter(FilterByBuild(app.ID))

	all := &eventLog{}
	failures := &eventLog{}
	ep.Subscribe(all.add, nil)
	ep.Subscribe(failures.add, FilterByLevel(EventLevelError))

	task := &engine.Task{Path: ":jar"}
	_ = ep.PublishBuildStarted(app)
	_ = ep.PublishBuildStarted(other)
	_ = ep.PublishTaskFinished(app, task, engine.TaskStateFailed, time.Millisecond, errors.New("boom"))
	_ = ep.PublishPolicyViolation(app, "default-tasks", "missing", "warning")
	_ = ep.PublishBuildFinished(app, time.Second, errors.New("boom"))

	want := []string{EventTypeBuildStarted, EventTypeTaskFailed, EventTypePolicyViolation, EventTypeBuildFailed}
	if diff := cmp.Diff(want, all.types()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{EventTypeTaskFailed, EventTypeBuildFailed}, failures.types()); diff != "" {
		t.Errorf("error events mismatch (-want +got):\n%s", diff)
	}
}

func TestEventPublisher_AsyncShutdownDeliversBuffered(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 10, MaxBatchSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	received := &eventLog{}
	ep.Subscribe(received.add, FilterByType(EventTypeTaskStarted))

	build := engine.NewBuild("app", engine.StartParameter{})
	for _, path := range []engine.TaskPath{":a", ":b"} {
		if err := ep.PublishTaskStarted(build, &engine.Task{Path: path}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	_ = ep.PublishBuildStarted(build)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if diff := cmp.Diff([]string{EventTypeTaskStarted, EventTypeTaskStarted}, received.types()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	received := &eventLog{}
	ep.Subscribe(received.add, nil)
	if err := ep.PublishBuildStarted(engine.NewBuild("app", engine.StartParameter{})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(received.types()) != 0 {
		t.Error("expected no delivery while disabled")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

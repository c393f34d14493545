package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func createTestBuild(t *testing.T, store *SQLiteStore, id, name string, parent *string, start time.Time) {
	t.Helper()
	err := store.CreateBuild(context.Background(), &BuildRecord{
		ID:         id,
		Name:       name,
		ParentID:   parent,
		ProjectDir: "/work/" + name,
		Status:     BuildStatusRunning,
		StartedAt:  start,
	})
	if err != nil {
		t.Fatalf("failed to create build %s: %v", id, err)
	}
}

func strPtr(s string) *string { return &s }

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"builds", "build_failures", "phase_timings", "task_executions"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration should be a no-op: %v", err)
	}
}

func TestFileStore(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: t.TempDir() + "/history.db"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	createTestBuild(t, store, "b1", "app", nil, testStart)
	if _, err := store.GetBuild(ctx, "b1"); err != nil {
		t.Errorf("GetBuild() error = %v", err)
	}
}

func TestBuildLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.CreateBuild(ctx, &BuildRecord{
		ID:             "root",
		Name:           "app",
		ProjectDir:     "/work/app",
		RequestedTasks: `[":lib:jar"]`,
		Status:         BuildStatusRunning,
		StartedAt:      testStart,
	})
	if err != nil {
		t.Fatalf("CreateBuild() error = %v", err)
	}

	got, err := store.GetBuild(ctx, "root")
	if err != nil {
		t.Fatalf("GetBuild() error = %v", err)
	}
	if got.Status != BuildStatusRunning || got.FinishedAt != nil || got.Duration() != 0 {
		t.Errorf("unexpected running build %+v", got)
	}
	if !got.StartedAt.Equal(testStart) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, testStart)
	}
	if got.RequestedTasks != `[":lib:jar"]` {
		t.Errorf("RequestedTasks = %s", got.RequestedTasks)
	}

	if err := store.FinishBuild(ctx, "root", BuildStatusFailed, testStart.Add(2*time.Second), strPtr("boom")); err != nil {
		t.Fatalf("FinishBuild() error = %v", err)
	}
	got, err = store.GetBuild(ctx, "root")
	if err != nil {
		t.Fatalf("GetBuild() error = %v", err)
	}
	if got.Status != BuildStatusFailed || got.Duration() != 2*time.Second || got.Error == nil || *got.Error != "boom" {
		t.Errorf("unexpected finished build %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(testStart.Add(2*time.Second)) {
		t.Errorf("FinishedAt = %v", got.FinishedAt)
	}
}

func TestBuildNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetBuild(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBuild() error = %v, want ErrNotFound", err)
	}
	if err := store.FinishBuild(ctx, "missing", BuildStatusSucceeded, testStart, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishBuild() error = %v, want ErrNotFound", err)
	}
	if err := store.DeleteBuild(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteBuild() error = %v, want ErrNotFound", err)
	}
}

func TestListBuilds(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestBuild(t, store, "r1", "app", nil, testStart)
	createTestBuild(t, store, "n1", "plugins", strPtr("r1"), testStart.Add(time.Second))
	createTestBuild(t, store, "r2", "app", nil, testStart.Add(time.Minute))
	createTestBuild(t, store, "r3", "tools", nil, testStart.Add(2*time.Minute))
	if err := store.FinishBuild(ctx, "r2", BuildStatusSucceeded, testStart.Add(2*time.Minute), nil); err != nil {
		t.Fatalf("FinishBuild() error = %v", err)
	}

	tests := []struct {
		name   string
		filter BuildFilter
		want   []string
	}{
		{name: "all", filter: BuildFilter{}, want: []string{"r3", "r2", "n1", "r1"}},
		{name: "root only", filter: BuildFilter{RootOnly: true}, want: []string{"r3", "r2", "r1"}},
		{name: "by name", filter: BuildFilter{Name: "app"}, want: []string{"r2", "r1"}},
		{name: "by status", filter: BuildFilter{Status: BuildStatusSucceeded}, want: []string{"r2"}},
		{name: "paged", filter: BuildFilter{Limit: 2, Offset: 1}, want: []string{"r2", "n1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builds, err := store.ListBuilds(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListBuilds() error = %v", err)
			}
			var ids []string
			for _, b := range builds {
				ids = append(ids, b.ID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("builds mismatch (-want +got):\n%s", diff)
			}
		})
	}

	children, err := store.ListChildBuilds(ctx, "r1")
	if err != nil {
		t.Fatalf("ListChildBuilds() error = %v", err)
	}
	if len(children) != 1 || children[0].ID != "n1" || *children[0].ParentID != "r1" {
		t.Errorf("unexpected children %+v", children)
	}
}

func TestFailuresAndPhases(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestBuild(t, store, "b1", "app", nil, testStart)

	failures := []*FailureRecord{
		{Class: "task_execution", Code: strPtr("TASK_FAILED"), Task: strPtr(":lib:jar"), Message: "jar failed"},
		{Class: "configuration", Message: "bad settings"},
	}
	if err := store.AppendFailures(ctx, "b1", failures); err != nil {
		t.Fatalf("AppendFailures() error = %v", err)
	}
	if failures[0].ID == 0 || failures[1].ID <= failures[0].ID {
		t.Errorf("expected increasing failure IDs, got %d and %d", failures[0].ID, failures[1].ID)
	}
	if err := store.AppendFailures(ctx, "b1", nil); err != nil {
		t.Errorf("AppendFailures(nil) error = %v", err)
	}

	got, err := store.ListFailures(ctx, "b1")
	if err != nil {
		t.Fatalf("ListFailures() error = %v", err)
	}
	if len(got) != 2 || got[0].Message != "jar failed" || *got[0].Task != ":lib:jar" || got[1].Code != nil {
		t.Errorf("unexpected failures %+v", got)
	}

	for _, p := range []*PhaseTiming{
		{BuildID: "b1", Phase: "settings_evaluation", Outcome: PhaseOutcomeSuccess, StartedAt: testStart, DurationMS: 10},
		{BuildID: "b1", Phase: "execution", Outcome: PhaseOutcomeFailure, StartedAt: testStart, DurationMS: 30},
	} {
		if err := store.RecordPhase(ctx, p); err != nil {
			t.Fatalf("RecordPhase() error = %v", err)
		}
	}
	phases, err := store.ListPhases(ctx, "b1")
	if err != nil {
		t.Fatalf("ListPhases() error = %v", err)
	}
	if len(phases) != 2 || phases[0].Phase != "settings_evaluation" || phases[1].Outcome != PhaseOutcomeFailure {
		t.Errorf("unexpected phases %+v", phases)
	}

	if err := store.RecordTask(ctx, &TaskExecution{
		BuildID: "b1", TaskPath: ":lib:jar", State: "failed", DurationMS: 5, Error: strPtr("boom"), FinishedAt: testStart,
	}); err != nil {
		t.Fatalf("RecordTask() error = %v", err)
	}
	tasks, err := store.ListTasks(ctx, "b1")
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskPath != ":lib:jar" || *tasks[0].Error != "boom" {
		t.Errorf("unexpected tasks %+v", tasks)
	}

	if err := store.RecordPhase(ctx, &PhaseTiming{BuildID: "missing", Phase: "execution", Outcome: PhaseOutcomeSuccess, StartedAt: testStart}); err == nil {
		t.Error("expected foreign key violation for unknown build")
	}
}

func TestDeleteBuildCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestBuild(t, store, "root", "app", nil, testStart)
	createTestBuild(t, store, "nested", "plugins", strPtr("root"), testStart)
	if err := store.AppendFailures(ctx, "nested", []*FailureRecord{{Class: "internal", Message: "x"}}); err != nil {
		t.Fatalf("AppendFailures() error = %v", err)
	}

	if err := store.DeleteBuild(ctx, "root"); err != nil {
		t.Fatalf("DeleteBuild() error = %v", err)
	}
	if _, err := store.GetBuild(ctx, "nested"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected nested build to be deleted, got %v", err)
	}
	failures, err := store.ListFailures(ctx, "nested")
	if err != nil {
		t.Fatalf("ListFailures() error = %v", err)
	}
	if len(failures) != 0 {
		t.Errorf("expected failures to be deleted, got %d", len(failures))
	}
}

func TestPruneBuilds(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestBuild(t, store, "old", "app", nil, testStart)
	createTestBuild(t, store, "old-nested", "plugins", strPtr("old"), testStart)
	createTestBuild(t, store, "new", "app", nil, testStart.Add(48*time.Hour))

	n, err := store.PruneBuilds(ctx, testStart.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBuilds() error = %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned root build, got %d", n)
	}
	builds, err := store.ListBuilds(ctx, BuildFilter{})
	if err != nil {
		t.Fatalf("ListBuilds() error = %v", err)
	}
	if len(builds) != 1 || builds[0].ID != "new" {
		t.Errorf("unexpected remaining builds %+v", builds)
	}
}

func TestPhaseStatistics(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestBuild(t, store, "a1", "app", nil, testStart)
	createTestBuild(t, store, "a2", "app", nil, testStart.Add(time.Minute))
	createTestBuild(t, store, "t1", "tools", nil, testStart)

	for _, p := range []*PhaseTiming{
		{BuildID: "a1", Phase: "execution", Outcome: PhaseOutcomeSuccess, DurationMS: 100},
		{BuildID: "a2", Phase: "execution", Outcome: PhaseOutcomeFailure, DurationMS: 300},
		{BuildID: "a1", Phase: "configuration", Outcome: PhaseOutcomeSuccess, DurationMS: 20},
		{BuildID: "t1", Phase: "execution", Outcome: PhaseOutcomeSuccess, DurationMS: 1000},
	} {
		p.StartedAt = testStart
		if err := store.RecordPhase(ctx, p); err != nil {
			t.Fatalf("RecordPhase() error = %v", err)
		}
	}

	stats, err := store.PhaseStatistics(ctx, "app")
	if err != nil {
		t.Fatalf("PhaseStatistics() error = %v", err)
	}
	want := []*PhaseStats{
		{Phase: "configuration", Count: 1, Failures: 0, AvgMS: 20, MaxMS: 20},
		{Phase: "execution", Count: 2, Failures: 1, AvgMS: 200, MaxMS: 300},
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	all, err := store.PhaseStatistics(ctx, "")
	if err != nil {
		t.Fatalf("PhaseStatistics() error = %v", err)
	}
	if len(all) != 2 || all[1].Count != 3 {
		t.Errorf("unexpected overall stats %+v", all)
	}
}

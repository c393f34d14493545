package stores

import (
	"context"
	"database/sql"
	"time"
)

// BuildStatus represents the status of a recorded build
type BuildStatus string

const (
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
)

// PhaseOutcome is the result of a measured lifecycle phase
type PhaseOutcome string

const (
	PhaseOutcomeSuccess PhaseOutcome = "success"
	PhaseOutcomeFailure PhaseOutcome = "failure"
)

// BuildRecord represents one launcher invocation of a root or nested build
type BuildRecord struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	ParentID       *string     `json:"parent_id,omitempty"`
	ProjectDir     string      `json:"project_dir"`
	RequestedTasks string      `json:"requested_tasks"` // JSON array of task names
	Status         BuildStatus `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	DurationMS     *int64      `json:"duration_ms,omitempty"`
	Error          *string     `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Duration returns the recorded build duration, zero while running.
func (b *BuildRecord) Duration() time.Duration {
	if b.DurationMS == nil {
		return 0
	}
	return time.Duration(*b.DurationMS) * time.Millisecond
}

// FailureRecord is one flattened failure of a finished build
type FailureRecord struct {
	ID         int64     `json:"id"`
	BuildID    string    `json:"build_id"`
	Class      string    `json:"class"`
	Code       *string   `json:"code,omitempty"`
	Task       *string   `json:"task,omitempty"`
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PhaseTiming is the duration of one measured lifecycle phase
type PhaseTiming struct {
	ID         int64        `json:"id"`
	BuildID    string       `json:"build_id"`
	Phase      string       `json:"phase"`
	Outcome    PhaseOutcome `json:"outcome"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
}

// TaskExecution is the outcome of one task run by the scheduler
type TaskExecution struct {
	ID         int64     `json:"id"`
	BuildID    string    `json:"build_id"`
	TaskPath   string    `json:"task_path"`
	State      string    `json:"state"`
	DurationMS int64     `json:"duration_ms"`
	Error      *string   `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// BuildFilter narrows ListBuilds results
type BuildFilter struct {
	Name     string
	Status   BuildStatus
	RootOnly bool
	Limit    int
	Offset   int
}

// PhaseStats aggregates the timings of one phase across builds
type PhaseStats struct {
	Phase    string  `json:"phase"`
	Count    int     `json:"count"`
	Failures int     `json:"failures"`
	AvgMS    float64 `json:"avg_ms"`
	MaxMS    int64   `json:"max_ms"`
}

// Store defines the interface for the build history persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Build operations
	CreateBuild(ctx context.Context, build *BuildRecord) error
	GetBuild(ctx context.Context, id string) (*BuildRecord, error)
	FinishBuild(ctx context.Context, id string, status BuildStatus, finishedAt time.Time, errMsg *string) error
	ListBuilds(ctx context.Context, filter BuildFilter) ([]*BuildRecord, error)
	ListChildBuilds(ctx context.Context, parentID string) ([]*BuildRecord, error)
	DeleteBuild(ctx context.Context, id string) error
	PruneBuilds(ctx context.Context, before time.Time) (int64, error)

	// Failure operations
	AppendFailures(ctx context.Context, buildID string, failures []*FailureRecord) error
	ListFailures(ctx context.Context, buildID string) ([]*FailureRecord, error)

	// Phase timing operations
	RecordPhase(ctx context.Context, timing *PhaseTiming) error
	ListPhases(ctx context.Context, buildID string) ([]*PhaseTiming, error)
	PhaseStatistics(ctx context.Context, buildName string) ([]*PhaseStats, error)

	// Task execution operations
	RecordTask(ctx context.Context, exec *TaskExecution) error
	ListTasks(ctx context.Context, buildID string) ([]*TaskExecution, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

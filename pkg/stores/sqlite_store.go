package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !isMemory(s.path) {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

const buildColumns = `id, name, parent_id, project_dir, requested_tasks, status, started_at, finished_at, duration_ms, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*BuildRecord, error) {
	b := &BuildRecord{}
	err := row.Scan(
		&b.ID,
		&b.Name,
		&b.ParentID,
		&b.ProjectDir,
		&b.RequestedTasks,
		&b.Status,
		&b.StartedAt,
		&b.FinishedAt,
		&b.DurationMS,
		&b.Error,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	return b, err
}

// CreateBuild creates a new build record
func (s *SQLiteStore) CreateBuild(ctx context.Context, build *BuildRecord) error {
	query := `INSERT INTO builds (` + buildColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	if build.CreatedAt.IsZero() {
		build.CreatedAt = now
	}
	if build.UpdatedAt.IsZero() {
		build.UpdatedAt = now
	}
	if build.RequestedTasks == "" {
		build.RequestedTasks = "[]"
	}

	_, err := s.db.ExecContext(ctx, query,
		build.ID,
		build.Name,
		build.ParentID,
		build.ProjectDir,
		build.RequestedTasks,
		build.Status,
		build.StartedAt.UTC(),
		utcPtr(build.FinishedAt),
		build.DurationMS,
		build.Error,
		build.CreatedAt.UTC(),
		build.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create build: %w", err)
	}
	return nil
}

// GetBuild retrieves a build by ID
func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*BuildRecord, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = ?`

	build, err := scanBuild(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	return build, nil
}

// FinishBuild records the outcome of a running build. The duration is
// derived from the recorded start time.
func (s *SQLiteStore) FinishBuild(ctx context.Context, id string, status BuildStatus, finishedAt time.Time, errMsg *string) error {
	build, err := s.GetBuild(ctx, id)
	if err != nil {
		return err
	}
	duration := finishedAt.Sub(build.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	query := `
		UPDATE builds
		SET status = ?, finished_at = ?, duration_ms = ?, error = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, status, finishedAt.UTC(), duration, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish build: %w", err)
	}
	return expectRow(result, "build", id)
}

// ListBuilds lists builds, most recent first
func (s *SQLiteStore) ListBuilds(ctx context.Context, filter BuildFilter) ([]*BuildRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE (? = '' OR name = ?)
		  AND (? = '' OR status = ?)
		  AND (? = 0 OR parent_id IS NULL)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	rootOnly := 0
	if filter.RootOnly {
		rootOnly = 1
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.Name, filter.Name,
		string(filter.Status), string(filter.Status),
		rootOnly,
		filter.Limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	return collectBuilds(rows)
}

// ListChildBuilds lists the nested builds of a build in start order
func (s *SQLiteStore) ListChildBuilds(ctx context.Context, parentID string) ([]*BuildRecord, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE parent_id = ? ORDER BY started_at, name`

	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child builds: %w", err)
	}
	return collectBuilds(rows)
}

func collectBuilds(rows *sql.Rows) ([]*BuildRecord, error) {
	defer rows.Close()

	builds := []*BuildRecord{}
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}
	return builds, nil
}

// DeleteBuild deletes a build and everything recorded for it
func (s *SQLiteStore) DeleteBuild(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete build: %w", err)
	}
	return expectRow(result, "build", id)
}

// PruneBuilds deletes root builds started before the given time, together
// with their nested builds
func (s *SQLiteStore) PruneBuilds(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE parent_id IS NULL AND started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune builds: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// AppendFailures records the failures of a build in one transaction
func (s *SQLiteStore) AppendFailures(ctx context.Context, buildID string, failures []*FailureRecord) error {
	if len(failures) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO build_failures (build_id, class, code, task, message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare failure insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range failures {
		f.BuildID = buildID
		if f.RecordedAt.IsZero() {
			f.RecordedAt = time.Now().UTC()
		}
		result, err := stmt.ExecContext(ctx, f.BuildID, f.Class, f.Code, f.Task, f.Message, f.RecordedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to append failure: %w", err)
		}
		if f.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get failure ID: %w", err)
		}
	}

	return s.CommitTx(tx)
}

// ListFailures lists the failures of a build in the order they were recorded
func (s *SQLiteStore) ListFailures(ctx context.Context, buildID string) ([]*FailureRecord, error) {
	query := `
		SELECT id, build_id, class, code, task, message, recorded_at
		FROM build_failures
		WHERE build_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	failures := []*FailureRecord{}
	for rows.Next() {
		f := &FailureRecord{}
		if err := rows.Scan(&f.ID, &f.BuildID, &f.Class, &f.Code, &f.Task, &f.Message, &f.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failures: %w", err)
	}
	return failures, nil
}

// RecordPhase appends a phase timing
func (s *SQLiteStore) RecordPhase(ctx context.Context, timing *PhaseTiming) error {
	query := `
		INSERT INTO phase_timings (build_id, phase, outcome, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		timing.BuildID,
		timing.Phase,
		timing.Outcome,
		timing.StartedAt.UTC(),
		timing.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record phase: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get phase timing ID: %w", err)
	}
	timing.ID = id
	return nil
}

// ListPhases lists the phase timings of a build in the order they finished
func (s *SQLiteStore) ListPhases(ctx context.Context, buildID string) ([]*PhaseTiming, error) {
	query := `
		SELECT id, build_id, phase, outcome, started_at, duration_ms
		FROM phase_timings
		WHERE build_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phases: %w", err)
	}
	defer rows.Close()

	timings := []*PhaseTiming{}
	for rows.Next() {
		p := &PhaseTiming{}
		if err := rows.Scan(&p.ID, &p.BuildID, &p.Phase, &p.Outcome, &p.StartedAt, &p.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan phase timing: %w", err)
		}
		timings = append(timings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase timings: %w", err)
	}
	return timings, nil
}

// PhaseStatistics aggregates phase timings across all builds, or across the
// builds with the given name
func (s *SQLiteStore) PhaseStatistics(ctx context.Context, buildName string) ([]*PhaseStats, error) {
	query := `
		SELECT p.phase,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN p.outcome = 'failure' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(p.duration_ms), 0),
		       COALESCE(MAX(p.duration_ms), 0)
		FROM phase_timings p
		JOIN builds b ON b.id = p.build_id
		WHERE (? = '' OR b.name = ?)
		GROUP BY p.phase
		ORDER BY p.phase
	`

	rows, err := s.db.QueryContext(ctx, query, buildName, buildName)
	if err != nil {
		return nil, fmt.Errorf("failed to compute phase statistics: %w", err)
	}
	defer rows.Close()

	stats := []*PhaseStats{}
	for rows.Next() {
		st := &PhaseStats{}
		if err := rows.Scan(&st.Phase, &st.Count, &st.Failures, &st.AvgMS, &st.MaxMS); err != nil {
			return nil, fmt.Errorf("failed to scan phase statistics: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase statistics: %w", err)
	}
	return stats, nil
}

// RecordTask appends a task execution
func (s *SQLiteStore) RecordTask(ctx context.Context, exec *TaskExecution) error {
	query := `
		INSERT INTO task_executions (build_id, task_path, state, duration_ms, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		exec.BuildID,
		exec.TaskPath,
		exec.State,
		exec.DurationMS,
		exec.Error,
		exec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get task execution ID: %w", err)
	}
	exec.ID = id
	return nil
}

// ListTasks lists the task executions of a build in the order they finished
func (s *SQLiteStore) ListTasks(ctx context.Context, buildID string) ([]*TaskExecution, error) {
	query := `
		SELECT id, build_id, task_path, state, duration_ms, error, finished_at
		FROM task_executions
		WHERE build_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	execs := []*TaskExecution{}
	for rows.Next() {
		e := &TaskExecution{}
		if err := rows.Scan(&e.ID, &e.BuildID, &e.TaskPath, &e.State, &e.DurationMS, &e.Error, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task execution: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task executions: %w", err)
	}
	return execs, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

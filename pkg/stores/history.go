package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// HistoryRecorder persists builds, phase timings, task executions and
// failures. It implements engine.InternalBuildListener and the scheduler's
// task observer. Store errors are logged, never propagated into the build.
type HistoryRecorder struct {
	ctx   context.Context
	store Store
	log   zerolog.Logger
}

// NewHistoryRecorder creates a recorder writing to store. ctx bounds every
// store operation.
func NewHistoryRecorder(ctx context.Context, store Store, log zerolog.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		ctx:   context.WithoutCancel(ctx),
		store: store,
		log:   log.With().Str("component", "history").Logger(),
	}
}

// Started implements engine.InternalBuildListener.
func (h *HistoryRecorder) Started(build *engine.Build, tag engine.PhaseTag, startTime time.Time) {
	if tag != engine.PhaseBuild {
		return
	}

	tasks, _ := json.Marshal(build.StartParameter.TaskNames)
	if build.StartParameter.TaskNames == nil {
		tasks = []byte("[]")
	}
	record := &BuildRecord{
		ID:             build.ID,
		Name:           build.Name,
		ProjectDir:     build.StartParameter.ProjectDir,
		RequestedTasks: string(tasks),
		Status:         BuildStatusRunning,
		StartedAt:      startTime,
	}
	if build.Parent != nil {
		parent := build.Parent.ID
		record.ParentID = &parent
	}

	if err := h.store.CreateBuild(h.ctx, record); err != nil {
		h.log.Error().Err(err).Str("build_id", build.ID).Str("build", build.Name).Msg("Failed to record build start")
	}
}

// Finished implements engine.InternalBuildListener.
func (h *HistoryRecorder) Finished(build *engine.Build, tag engine.PhaseTag, startTime, endTime time.Time, err error) {
	if tag == engine.PhaseBuild {
		h.buildFinished(build, endTime, err)
		return
	}

	timing := &PhaseTiming{
		BuildID:    build.ID,
		Phase:      string(tag),
		Outcome:    PhaseOutcomeSuccess,
		StartedAt:  startTime,
		DurationMS: endTime.Sub(startTime).Milliseconds(),
	}
	if err != nil {
		timing.Outcome = PhaseOutcomeFailure
	}
	if serr := h.store.RecordPhase(h.ctx, timing); serr != nil {
		h.log.Error().Err(serr).Str("build_id", build.ID).Str("phase", string(tag)).Msg("Failed to record phase timing")
	}
}

func (h *HistoryRecorder) buildFinished(build *engine.Build, endTime time.Time, failure error) {
	status := BuildStatusSucceeded
	var errMsg *string
	if failure != nil {
		status = BuildStatusFailed
		msg := failure.Error()
		errMsg = &msg
	}

	if err := h.store.FinishBuild(h.ctx, build.ID, status, endTime, errMsg); err != nil {
		h.log.Error().Err(err).Str("build_id", build.ID).Str("build", build.Name).Msg("Failed to record build outcome")
		return
	}
	if err := h.store.AppendFailures(h.ctx, build.ID, FailureRecords(failure)); err != nil {
		h.log.Error().Err(err).Str("build_id", build.ID).Msg("Failed to record build failures")
	}
}

// TaskStarted implements the scheduler's task observer.
func (h *HistoryRecorder) TaskStarted(*engine.Build, *engine.Task) {}

// TaskFinished implements the scheduler's task observer.
func (h *HistoryRecorder) TaskFinished(build *engine.Build, task *engine.Task, state engine.TaskState, duration time.Duration, err error) {
	exec := &TaskExecution{
		BuildID:    build.ID,
		TaskPath:   task.Path.String(),
		State:      string(state),
		DurationMS: duration.Milliseconds(),
		FinishedAt: time.Now(),
	}
	if err != nil {
		msg := err.Error()
		exec.Error = &msg
	}
	if serr := h.store.RecordTask(h.ctx, exec); serr != nil {
		h.log.Error().Err(serr).Str("build_id", build.ID).Str("task", task.Path.String()).Msg("Failed to record task execution")
	}
}

// FailureRecords flattens a build failure into one record per cause.
func FailureRecords(failure error) []*FailureRecord {
	var records []*FailureRecord
	for _, f := range engine.FlattenFailures(failure) {
		record := &FailureRecord{
			Class:   string(engine.ClassOf(f)),
			Message: f.Error(),
		}
		if record.Class == "" {
			record.Class = string(engine.ErrorClassInternal)
		}
		var engErr *engine.EngineError
		if errors.As(f, &engErr) {
			if engErr.Code != "" {
				code := engErr.Code
				record.Code = &code
			}
			if engErr.Task != "" {
				task := engErr.Task
				record.Task = &task
			}
		}
		records = append(records, record)
	}
	return records
}

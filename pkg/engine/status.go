package engine

import (
	"encoding/json"
	"fmt"
)

// TaskState is the lifecycle of a task requested from a nested build.
// States only move forward.
type TaskState string

const (
	// TaskStateUnrequested indicates nobody asked for the task yet.
	TaskStateUnrequested TaskState = "unrequested"

	// TaskStateQueued indicates the task was requested but is not yet part of
	// the nested build's task graph.
	TaskStateQueued TaskState = "queued"

	// TaskStateGraphPopulated indicates the task is in the task graph.
	TaskStateGraphPopulated TaskState = "graph_populated"

	// TaskStateExecuting indicates the task's graph is running.
	TaskStateExecuting TaskState = "executing"

	// TaskStateSucceeded indicates the task completed successfully.
	TaskStateSucceeded TaskState = "succeeded"

	// TaskStateFailed indicates the task failed or could not be scheduled.
	TaskStateFailed TaskState = "failed"
)

func (s TaskState) rank() int {
	switch s {
	case TaskStateUnrequested:
		return 0
	case TaskStateQueued:
		return 1
	case TaskStateGraphPopulated:
		return 2
	case TaskStateExecuting:
		return 3
	case TaskStateSucceeded, TaskStateFailed:
		return 4
	default:
		return -1
	}
}

// IsTerminal returns true if the task has finished, successfully or not.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed
}

// CanAdvanceTo reports whether moving from s to next keeps the state
// sequence monotonic.
func (s TaskState) CanAdvanceTo(next TaskState) bool {
	if s.IsTerminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	if s.rank() < 0 {
		return fmt.Errorf("invalid task state: %s", s)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s TaskState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := TaskState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// Stage is how far a launcher invocation drives the build.
type Stage int

const (
	// StageConfigure stops after the build model is configured.
	StageConfigure Stage = iota

	// StageBuild continues through task graph population and execution.
	StageBuild
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageConfigure:
		return "configure"
	case StageBuild:
		return "build"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// LifecycleState is the progress of a single launcher invocation.
type LifecycleState string

const (
	LifecycleStateInitial            LifecycleState = "initial"
	LifecycleStateSettingsEvaluated  LifecycleState = "settings_evaluated"
	LifecycleStateProjectsLoaded     LifecycleState = "projects_loaded"
	LifecycleStateConfigured         LifecycleState = "configured"
	LifecycleStateTaskGraphPopulated LifecycleState = "task_graph_populated"
	LifecycleStateExecuted           LifecycleState = "executed"
	LifecycleStateFinished           LifecycleState = "finished"
)

var lifecycleOrder = []LifecycleState{
	LifecycleStateInitial,
	LifecycleStateSettingsEvaluated,
	LifecycleStateProjectsLoaded,
	LifecycleStateConfigured,
	LifecycleStateTaskGraphPopulated,
	LifecycleStateExecuted,
}

func (s LifecycleState) rank() int {
	for i, candidate := range lifecycleOrder {
		if candidate == s {
			return i
		}
	}
	if s == LifecycleStateFinished {
		return len(lifecycleOrder)
	}
	return -1
}

// String returns the state name.
func (s LifecycleState) String() string {
	return string(s)
}

// targetState returns the last state a stage is allowed to reach before
// the invocation finishes.
func (s Stage) targetState() LifecycleState {
	if s == StageConfigure {
		return LifecycleStateConfigured
	}
	return LifecycleStateExecuted
}

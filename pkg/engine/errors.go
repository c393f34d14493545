package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass categorizes a build fault by the lifecycle region it came from.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a fault while evaluating init scripts,
	// settings, or project scripts of the build.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassIncludedBuildConfiguration indicates that a nested build
	// could not be configured.
	ErrorClassIncludedBuildConfiguration ErrorClass = "included_build_configuration"

	// ErrorClassTaskExecution indicates that a task action failed.
	ErrorClassTaskExecution ErrorClass = "task_execution"

	// ErrorClassResourceTeardown indicates that releasing build-scoped
	// resources failed.
	ErrorClassResourceTeardown ErrorClass = "resource_teardown"

	// ErrorClassInternal indicates a fault that could not be attributed to
	// user configuration or task work.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified build fault with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the fault classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Build is the name of the build the fault belongs to, if known.
	Build string `json:"build,omitempty"`

	// Task is the path of the task that failed, if applicable.
	Task string `json:"task,omitempty"`

	// Operation is the lifecycle operation in progress when the fault occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	prefix := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Build != "" && e.Task != "":
		prefix = fmt.Sprintf("%s (build=%s, task=%s)", prefix, e.Build, e.Task)
	case e.Task != "":
		prefix = fmt.Sprintf("%s (task=%s)", prefix, e.Task)
	case e.Build != "":
		prefix = fmt.Sprintf("%s (build=%s)", prefix, e.Build)
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a configuration failure.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewIncludedBuildConfigurationError creates the failure reported when the
// named nested build cannot be configured.
func NewIncludedBuildConfigurationError(build string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassIncludedBuildConfiguration,
		Message: "included build could not be configured",
		Code:    ErrCodeIncludedBuild,
		Build:   build,
		Err:     err,
	}
}

// NewTaskExecutionError creates a failure for the task at the given path.
func NewTaskExecutionError(task TaskPath, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTaskExecution,
		Message: "task failed",
		Code:    ErrCodeTaskFailed,
		Task:    task.String(),
		Err:     err,
	}
}

// NewTeardownError creates a resource teardown failure.
func NewTeardownError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassResourceTeardown,
		Message: message,
		Err:     err,
	}
}

// NewInternalError creates an internal failure.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Code:    ErrCodeInternal,
		Err:     err,
	}
}

// WithBuild adds build context to an error.
func (e *EngineError) WithBuild(build string) *EngineError {
	e.Build = build
	return e
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(task TaskPath) *EngineError {
	e.Task = task.String()
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the outermost EngineError in the chain, or
// the empty class when err carries none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of the outermost EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConfigurationFailure returns true if the error is a configuration failure.
func IsConfigurationFailure(err error) bool {
	return ClassOf(err) == ErrorClassConfiguration
}

// IsIncludedBuildConfigurationFailure returns true if the error reports a
// nested build that could not be configured.
func IsIncludedBuildConfigurationFailure(err error) bool {
	return ClassOf(err) == ErrorClassIncludedBuildConfiguration
}

// IsTaskExecutionFailure returns true if the error is a task failure.
func IsTaskExecutionFailure(err error) bool {
	return ClassOf(err) == ErrorClassTaskExecution
}

// IsTeardownFailure returns true if the error is a teardown failure.
func IsTeardownFailure(err error) bool {
	return ClassOf(err) == ErrorClassResourceTeardown
}

// IsInternal returns true if the error is an internal failure.
func IsInternal(err error) bool {
	return ClassOf(err) == ErrorClassInternal
}

// classify returns err unchanged when it already carries a classification,
// otherwise it wraps err with the fallback produced by wrap.
func classify(err error, wrap func(error) *EngineError) error {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return err
	}
	var multi *MultipleBuildFailures
	if errors.As(err, &multi) {
		return err
	}
	return wrap(err)
}

// DefaultExceptionAnalyser canonicalizes raw faults into classified errors.
type DefaultExceptionAnalyser struct{}

// Transform implements ExceptionAnalyser.
func (DefaultExceptionAnalyser) Transform(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var e *EngineError
		if errors.As(err, &e) {
			return err
		}
		return NewInternalError("build cancelled", err).WithCode(ErrCodeCancelled)
	}
	return classify(err, func(raw error) *EngineError {
		return NewInternalError("unexpected build failure", raw)
	})
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodePanic            = "PANIC"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInitScript       = "INIT_SCRIPT_FAILED"
	ErrCodeSettings         = "SETTINGS_FAILED"
	ErrCodeProjectLoad      = "PROJECT_LOAD_FAILED"
	ErrCodeConfigure        = "CONFIGURE_FAILED"
	ErrCodeTaskSelection    = "TASK_SELECTION_FAILED"
	ErrCodePolicy           = "POLICY_VIOLATION"
	ErrCodeTaskFailed       = "TASK_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeIncludedBuild    = "INCLUDED_BUILD_FAILED"
	ErrCodeRequestsClosed   = "REQUESTS_CLOSED"
	ErrCodeInvalidState     = "INVALID_STATE"
)

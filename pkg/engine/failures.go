package engine

import (
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// FailureSink accepts build failures. It is safe for concurrent use.
type FailureSink interface {
	Add(err error)
}

// MultipleBuildFailures reports more than one independent build failure.
// The causes are kept in the order they were recorded.
type MultipleBuildFailures struct {
	Causes []error
}

// Error implements the error interface.
func (m *MultipleBuildFailures) Error() string {
	return multierror.ListFormatFunc(m.Causes)
}

// Unwrap exposes every cause to errors.Is and errors.As.
func (m *MultipleBuildFailures) Unwrap() []error {
	return m.Causes
}

// FailureAggregator collects failures from concurrent producers in arrival
// order and folds them into a single build outcome.
type FailureAggregator struct {
	mu       sync.Mutex
	failures []error
}

// NewFailureAggregator creates an empty aggregator.
func NewFailureAggregator() *FailureAggregator {
	return &FailureAggregator{}
}

// Add records a failure. Nil errors are ignored.
func (a *FailureAggregator) Add(err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, err)
}

// Len returns the number of recorded failures.
func (a *FailureAggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.failures)
}

// Failures returns a snapshot of the recorded failures.
func (a *FailureAggregator) Failures() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]error, len(a.failures))
	copy(out, a.failures)
	return out
}

// Drain returns the recorded failures and empties the aggregator.
func (a *FailureAggregator) Drain() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.failures
	a.failures = nil
	return out
}

// Failure folds the recorded failures: nil when empty, the failure itself
// when there is exactly one, and a MultipleBuildFailures otherwise.
func (a *FailureAggregator) Failure() error {
	failures := a.Failures()
	switch len(failures) {
	case 0:
		return nil
	case 1:
		return failures[0]
	default:
		return &MultipleBuildFailures{Causes: failures}
	}
}

// FlattenFailures expands any MultipleBuildFailures in err into its causes.
func FlattenFailures(err error) []error {
	if err == nil {
		return nil
	}
	var multi *MultipleBuildFailures
	if !errors.As(err, &multi) {
		return []error{err}
	}
	var out []error
	for _, cause := range multi.Causes {
		out = append(out, FlattenFailures(cause)...)
	}
	return out
}

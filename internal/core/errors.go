package core

import (
	"errors"
	"time"
)

var (
	// ErrUnknownTask means no handler is registered for a task message's
	// task name.
	ErrUnknownTask = errors.New("core: unknown task")

	// ErrTaskExpired means a message's expires timestamp had already
	// passed when the worker dequeued it.
	ErrTaskExpired = errors.New("core: task expired")

	// ErrTimeout is returned by WaitForResult when the timeout elapses
	// before a terminal result is observed, distinct from cancellation.
	ErrTimeout = errors.New("core: wait for result timed out")

	// ErrNotFound is returned by store Get operations when a record is
	// absent or has expired.
	ErrNotFound = errors.New("core: record not found")

	// ErrCircuitOpen is returned by a circuit breaker while open.
	ErrCircuitOpen = errors.New("core: circuit open")

	// ErrKillSwitchTripped is returned while the global kill switch is
	// tripped.
	ErrKillSwitchTripped = errors.New("core: kill switch tripped")

	// ErrAlreadyLocked means a partition lock is held by another task.
	ErrAlreadyLocked = errors.New("core: partition already locked")

	// ErrSingleFlight means an execution-tracker slot is already taken.
	ErrSingleFlight = errors.New("core: task already running")

	// ErrTimeLimitExceeded is returned by a handler (or detected by the
	// executor around it) when a task ran past its allotted time limit.
	ErrTimeLimitExceeded = errors.New("core: time limit exceeded")

	// ErrTaskRejected is returned by a handler to refuse a task outright
	// as non-retryable, distinct from a handler error that should be
	// retried.
	ErrTaskRejected = errors.New("core: task rejected")
)

// RetryRequestedError is returned by a handler to ask the executor to
// retry the task after delay instead of treating the error as a failure.
// A handler that sets DoNotIncrementRetries signals an admission-control
// retry (rate limiting and the like) that must never count against a
// task's MaxRetries.
type RetryRequestedError struct {
	Delay                 time.Duration
	DoNotIncrementRetries bool
	Cause                 error
}

func (e *RetryRequestedError) Error() string {
	if e.Cause != nil {
		return "core: retry requested: " + e.Cause.Error()
	}
	return "core: retry requested"
}

func (e *RetryRequestedError) Unwrap() error { return e.Cause }

// RetryRequested builds a RetryRequestedError asking for a retry after
// delay, counting against the task's normal retry budget.
func RetryRequested(delay time.Duration) *RetryRequestedError {
	return &RetryRequestedError{Delay: delay}
}

package executor

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

var (
	// ErrAlreadyRunning is returned when Run is called on an executor that is already running.
	ErrAlreadyRunning = errors.New("executor already running")
	// ErrRetriesExhausted indicates a task failed on every allowed attempt.
	ErrRetriesExhausted = errors.New(models.ReasonRetriesExhausted)
	// ErrDependencyFailed indicates a task was blocked by an upstream failure.
	ErrDependencyFailed = errors.New(models.ReasonBlocked)
	// ErrTaskTimeout indicates an attempt exceeded the task timeout.
	ErrTaskTimeout = errors.New("task timed out")
)

// DownstreamFailure wraps an error reported by a worker invocation.
type DownstreamFailure struct {
	TaskID   string
	WorkerID string
	Err      error
}

func (e *DownstreamFailure) Error() string {
	return fmt.Sprintf("worker %s failed task %s: %v", e.WorkerID, e.TaskID, e.Err)
}

func (e *DownstreamFailure) Unwrap() error { return e.Err }

// RetryExhaustedError is recorded on a task that failed its final attempt.
type RetryExhaustedError struct {
	TaskID   string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetriesExhausted, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error { return []error{ErrRetriesExhausted, e.Last} }

// DependencyFailureError is recorded on a task blocked by an upstream task
// that ended without completing.
type DependencyFailureError struct {
	DependencyID string
	Status       models.TaskStatus
}

func (e *DependencyFailureError) Error() string {
	return fmt.Sprintf("%s %s (%s)", ErrDependencyFailed, e.DependencyID, e.Status)
}

func (e *DependencyFailureError) Unwrap() error { return ErrDependencyFailed }

// TransitionErrors collects compare-and-swap failures the loop observed.
// They indicate a race with an outside caller and are never retried.
type TransitionErrors []error

func (e TransitionErrors) Error() string {
	return fmt.Sprintf("%d unexpected task transitions: %v", len(e), errors.Join(e...))
}

func (e TransitionErrors) Unwrap() []error { return e }

package store

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/taskforge/internal/graph"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

var (
	// ErrDuplicateTask indicates a submitted id already exists.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrTaskNotFound indicates no task has the requested id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition indicates a compare-and-swap found an unexpected status.
	ErrInvalidTransition = errors.New("invalid transition")
)

// DependencyCycleError is returned by Submit when the combined graph has a cycle.
type DependencyCycleError = graph.DependencyCycleError

// UnknownDependencyError is returned by Submit when a dependency names no task.
type UnknownDependencyError = graph.UnknownDependencyError

// DuplicateTaskError reports an id that already exists in the store or appears
// twice in one batch.
type DuplicateTaskError struct {
	ID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicateTask, e.ID)
}

func (e *DuplicateTaskError) Unwrap() error { return ErrDuplicateTask }

// InvalidTransitionError reports a failed compare-and-swap on a task's status.
type InvalidTransitionError struct {
	ID      string
	Current models.TaskStatus
	From    []models.TaskStatus
	To      models.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: task %s is %s, want one of %v to move to %s",
		ErrInvalidTransition, e.ID, e.Current, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

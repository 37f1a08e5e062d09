package models

import (
	"maps"
	"slices"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on dependencies or a retry delay.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates every dependency completed and the task may be dispatched.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates a worker is executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates a dependency failed or was cancelled.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusCancelled indicates the task was cancelled by a caller.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// AllTaskStatuses lists every status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusReady,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusBlocked,
	TaskStatusCancelled,
}

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if a task in this status never transitions again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive returns true while the task still needs the scheduling loop.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusReady || s == TaskStatusRunning
}

// Failure reason prefixes recorded on terminal tasks.
const (
	ReasonRetriesExhausted = "exhausted retries"
	ReasonBlocked          = "blocked by failed dependency"
	ReasonCancelled        = "cancelled"
	ReasonNoEligibleWorker = "no eligible worker"
)

// TaskSpec is the submission record for a new task.
type TaskSpec struct {
	// ID is the unique identifier for the task.
	ID string `json:"id" yaml:"id"`
	// Title is the short description of the task.
	Title string `json:"title" yaml:"title"`
	// Priority orders ready tasks; higher runs first.
	Priority Priority `json:"priority" yaml:"priority"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Capability is the tag a worker must carry to run this task.
	Capability string `json:"capability,omitempty" yaml:"capability,omitempty"`
	// Timeout bounds a single execution attempt. Zero means the executor default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxRetries is how many times a failed attempt is retried.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	// Metadata is passed through to the worker invoker untouched.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Task represents a unit of work tracked by the store.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Priority orders ready tasks; higher runs first.
	Priority Priority `json:"priority"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Capability is the tag a worker must carry to run this task.
	Capability string `json:"capability,omitempty"`
	// Timeout bounds a single execution attempt.
	Timeout time.Duration `json:"timeout,omitempty"`
	// AssignedTo is the ID of the worker running this task.
	AssignedTo string `json:"assigned_to,omitempty"`
	// RetryCount is the number of times this task has been retried.
	RetryCount int `json:"retry_count,omitempty"`
	// MaxRetries is the retry budget.
	MaxRetries int `json:"max_retries,omitempty"`
	// Seq is the submission order, used as the FIFO tie-break.
	Seq uint64 `json:"seq"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the latest attempt started, if any.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if any.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// NotReadyUntil delays a retried task before it re-enters the ready set.
	NotReadyUntil time.Time `json:"not_ready_until,omitempty"`
	// Result is the opaque payload set on completion.
	Result any `json:"result,omitempty"`
	// Error is the failure reason for failed, blocked or cancelled tasks.
	Error string `json:"error,omitempty"`
	// Metadata is passed through to the worker invoker untouched.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewTask creates a pending task from a submission record.
func NewTask(spec TaskSpec, seq uint64, now time.Time) *Task {
	return &Task{
		ID:         spec.ID,
		Title:      spec.Title,
		Status:     TaskStatusPending,
		Priority:   spec.Priority,
		DependsOn:  slices.Clone(spec.DependsOn),
		Capability: spec.Capability,
		Timeout:    spec.Timeout,
		MaxRetries: spec.MaxRetries,
		Seq:        seq,
		CreatedAt:  now,
		Metadata:   maps.Clone(spec.Metadata),
	}
}

// Clone returns a copy that shares no mutable state with t.
// Result is copied by value; payloads are treated as immutable once set.
func (t *Task) Clone() Task {
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	c.Metadata = maps.Clone(t.Metadata)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return c
}

// Less reports whether t dispatches before other: priority descending, then submission order.
func (t *Task) Less(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	return t.Seq < other.Seq
}

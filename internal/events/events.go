// Package events carries state-transition notifications out of the engine
// to monitoring collaborators.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type represents the kind of engine event.
type Type string

const (
	// TypeTaskTransition indicates a task changed status.
	TypeTaskTransition Type = "task_transition"
	// TypeWorkerAssigned indicates a task was placed on a worker.
	TypeWorkerAssigned Type = "worker_assigned"
	// TypeWorkerReleased indicates a worker finished with a task.
	TypeWorkerReleased Type = "worker_released"
	// TypeWorkerRegistered indicates a worker joined or changed capacity.
	TypeWorkerRegistered Type = "worker_registered"
	// TypeWorkerRemoved indicates a worker left the pool.
	TypeWorkerRemoved Type = "worker_removed"
	// TypeCircuitStateChange indicates a circuit moved between closed, open and half-open.
	TypeCircuitStateChange Type = "circuit_state_change"
	// TypeRunStarted indicates the scheduling loop started.
	TypeRunStarted Type = "run_started"
	// TypeRunFinished indicates the scheduling loop exited.
	TypeRunFinished Type = "run_finished"
)

// Event is a single state-transition notification.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Type is the kind of event.
	Type Type `json:"type"`
	// RunID links the event to an executor run, if any.
	RunID string `json:"run_id,omitempty"`
	// TaskID is the related task, if any.
	TaskID string `json:"task_id,omitempty"`
	// WorkerID is the related worker, if any.
	WorkerID string `json:"worker_id,omitempty"`
	// Key is the circuit key for circuit events.
	Key string `json:"key,omitempty"`
	// From is the previous state.
	From string `json:"from,omitempty"`
	// To is the new state.
	To string `json:"to,omitempty"`
	// Message provides additional context, such as a failure reason.
	Message string `json:"message,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// New creates an event with a fresh ID and the given timestamp.
func New(t Type, ts time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: ts,
	}
}

// Sink receives events. Emit must not block for long; it is called from
// bookkeeping paths that the scheduling loop waits on.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Nop is a Sink that discards every event.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Emit sends e to every non-nil sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

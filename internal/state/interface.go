package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/taskforge/internal/events"
)

// RunStore handles run lifecycle persistence.
type RunStore interface {
	CreateRun(r *Run) error
	FinishRun(id string, status RunStatus, finishedAt time.Time, summary string) error
	GetRun(id string) (*Run, error)
	ListRuns(status *RunStatus, limit int) ([]Run, error)
}

// EventReader reads journaled events.
type EventReader interface {
	RecentEvents(limit int) ([]events.Event, error)
	EventsForTask(taskID string) ([]events.Event, error)
	LatestCircuitStates() ([]CircuitState, error)
	ListTaskStates() ([]TaskState, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// JournalStore is everything the CLI reads from the journal database.
type JournalStore interface {
	io.Closer
	Migrator
	RunStore
	EventReader
}

// Compile-time verification that DB implements all interfaces.
var (
	_ RunStore     = (*DB)(nil)
	_ EventReader  = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ JournalStore = (*DB)(nil)
	_ events.Sink  = journalSink{}
)

// journalSink adapts a Journal to events.Sink for synchronous use.
type journalSink struct{ j *Journal }

func (s journalSink) Emit(ev events.Event) { s.j.record(ev) }

// Sink returns j as a synchronous events.Sink. Every Emit waits for the
// write; use Run with an events.Emitter when the caller must not.
func (j *Journal) Sink() events.Sink {
	return journalSink{j: j}
}

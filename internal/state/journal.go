package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/taskforge/internal/events"
)

// Journal persists engine events. It is normally fed from an events.Emitter
// channel so the engine never waits on disk; Sink writes inline instead.
type Journal struct {
	db     *DB
	logger *zap.Logger

	// mu serializes Record so runID stamping follows write order.
	mu sync.Mutex
	// runID is the run most recently started; stamped on events without one.
	runID    string
	failures atomic.Uint64
}

// NewJournal creates a Journal writing to db. db must be migrated.
func NewJournal(db *DB, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: db, logger: logger.Named("journal")}
}

// Run records events from ch until ch is closed or ctx ends. On ctx end any
// events already buffered in ch are still written.
func (j *Journal) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			j.record(ev)
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return nil
					}
					j.record(ev)
				default:
					return nil
				}
			}
		}
	}
}

// Failures returns how many events could not be written.
func (j *Journal) Failures() uint64 {
	return j.failures.Load()
}

func (j *Journal) record(ev events.Event) {
	if err := j.Record(ev); err != nil {
		n := j.failures.Add(1)
		if n%10 == 1 {
			j.logger.Warn("journal write failed",
				zap.Uint64("failures", n),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
}

// Record writes one event, and updates the run and task state tables it affects.
func (j *Journal) Record(ev events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch {
	case ev.Type == events.TypeRunStarted:
		j.runID = ev.RunID
	case ev.RunID == "":
		ev.RunID = j.runID
	}

	return j.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO events (id, type, run_id, task_id, worker_id, circuit_key, from_state, to_state, message, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, ev.ID, string(ev.Type), ev.RunID, ev.TaskID, ev.WorkerID, ev.Key, ev.From, ev.To, ev.Message, formatTime(ev.Timestamp))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		switch ev.Type {
		case events.TypeRunStarted:
			_, err = tx.Exec(`
				INSERT INTO runs (id, pid, started_at, status) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING
			`, ev.RunID, os.Getpid(), formatTime(ev.Timestamp), string(RunRunning))
		case events.TypeRunFinished:
			_, err = tx.Exec(`
				UPDATE runs SET finished_at = ?, status = ?, summary = ? WHERE id = ?
			`, formatTime(ev.Timestamp), string(RunFinished), ev.Message, ev.RunID)
		case events.TypeTaskTransition:
			_, err = tx.Exec(upsertTaskStateSQL,
				ev.TaskID, ev.RunID, ev.To, ev.WorkerID, ev.Message, formatTime(ev.Timestamp))
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		return nil
	})
}

// RecentEvents returns up to limit events, newest first.
func (db *DB) RecentEvents(limit int) ([]events.Event, error) {
	rows, err := db.Query(`
		SELECT id, type, run_id, task_id, worker_id, circuit_key, from_state, to_state, message, timestamp
		FROM events ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsForTask returns every event of a task in the order recorded.
func (db *DB) EventsForTask(taskID string) ([]events.Event, error) {
	rows, err := db.Query(`
		SELECT id, type, run_id, task_id, worker_id, circuit_key, from_state, to_state, message, timestamp
		FROM events WHERE task_id = ? ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("task events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CircuitState is the last recorded state of one circuit.
type CircuitState struct {
	Key       string    `json:"key"`
	State     string    `json:"state"`
	Reason    string    `json:"reason"`
	ChangedAt time.Time `json:"changed_at"`
}

// LatestCircuitStates returns the most recent state change of every circuit, by key.
func (db *DB) LatestCircuitStates() ([]CircuitState, error) {
	rows, err := db.Query(`
		SELECT e.circuit_key, e.to_state, e.message, e.timestamp
		FROM events e
		JOIN (
			SELECT circuit_key, MAX(seq) AS seq FROM events
			WHERE type = ? GROUP BY circuit_key
		) latest ON latest.seq = e.seq
		ORDER BY e.circuit_key
	`, string(events.TypeCircuitStateChange))
	if err != nil {
		return nil, fmt.Errorf("latest circuit states: %w", err)
	}
	defer rows.Close()

	var states []CircuitState
	for rows.Next() {
		var s CircuitState
		var ts string
		if err := rows.Scan(&s.Key, &s.State, &s.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scan circuit state: %w", err)
		}
		s.ChangedAt, _ = parseTime(ts)
		states = append(states, s)
	}
	return states, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]events.Event, error) {
	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var typ, ts string
		if err := rows.Scan(&ev.ID, &typ, &ev.RunID, &ev.TaskID, &ev.WorkerID, &ev.Key, &ev.From, &ev.To, &ev.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = events.Type(typ)
		ev.Timestamp, _ = parseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

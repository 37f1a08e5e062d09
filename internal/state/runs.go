package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunStatus represents the status of a recorded run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunFinished    RunStatus = "finished"
	RunInterrupted RunStatus = "interrupted"
)

// Run is one executor run as recorded in the journal.
type Run struct {
	ID         string     `json:"id"`
	PID        int        `json:"pid"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Status     RunStatus  `json:"status"`
	Summary    string     `json:"summary"`
}

// TaskState is the last status the journal saw for a task.
type TaskState struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	WorkerID  string    `json:"worker_id"`
	Error     string    `json:"error"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateRun records the start of a run.
func (db *DB) CreateRun(r *Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, pid, started_at, status, summary)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.PID, formatTime(r.StartedAt), string(r.Status), r.Summary)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun marks a run finished with the given status and summary.
func (db *DB) FinishRun(id string, status RunStatus, finishedAt time.Time, summary string) error {
	_, err := db.Exec(`
		UPDATE runs SET finished_at = ?, status = ?, summary = ?
		WHERE id = ?
	`, formatTime(finishedAt), string(status), summary, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil if there is none.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, pid, started_at, finished_at, status, summary
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns lists runs newest first, optionally filtered by status.
func (db *DB) ListRuns(status *RunStatus, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = db.Query(`
			SELECT id, pid, started_at, finished_at, status, summary
			FROM runs WHERE status = ? ORDER BY started_at DESC LIMIT ?
		`, string(*status), limit)
	} else {
		rows, err = db.Query(`
			SELECT id, pid, started_at, finished_at, status, summary
			FROM runs ORDER BY started_at DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// UpsertTaskState records the latest status of a task.
func (db *DB) UpsertTaskState(s *TaskState) error {
	_, err := db.Exec(upsertTaskStateSQL,
		s.TaskID, s.RunID, s.Status, s.WorkerID, s.Error, formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert task state: %w", err)
	}
	return nil
}

// ListTaskStates returns the latest status of every journaled task, by id.
func (db *DB) ListTaskStates() ([]TaskState, error) {
	rows, err := db.Query(`
		SELECT task_id, run_id, status, worker_id, error, updated_at
		FROM task_states ORDER BY task_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list task states: %w", err)
	}
	defer rows.Close()

	var states []TaskState
	for rows.Next() {
		var s TaskState
		var updatedAt string
		if err := rows.Scan(&s.TaskID, &s.RunID, &s.Status, &s.WorkerID, &s.Error, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		s.UpdatedAt, _ = parseTime(updatedAt)
		states = append(states, s)
	}
	return states, rows.Err()
}

const upsertTaskStateSQL = `
	INSERT INTO task_states (task_id, run_id, status, worker_id, error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		run_id = excluded.run_id,
		status = excluded.status,
		worker_id = excluded.worker_id,
		error = excluded.error,
		updated_at = excluded.updated_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var startedAt string
	var finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.PID, &startedAt, &finishedAt, &r.Status, &r.Summary); err != nil {
		return nil, err
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}

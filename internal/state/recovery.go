package state

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// InterruptedRun describes a run that started but never recorded a finish,
// and whose process is gone.
type InterruptedRun struct {
	RunID        string
	PID          int
	StartedAt    time.Time
	LastActivity time.Time
	// Unfinished counts tasks whose last journaled status was not terminal.
	Unfinished int
}

// RecoveryManager detects and closes out interrupted runs.
type RecoveryManager struct {
	db    *DB
	alive func(pid int) bool
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db, alive: isProcessAlive}
}

// CheckForInterrupted returns runs still marked running whose process has
// exited. A run whose process is still alive is left alone.
func (rm *RecoveryManager) CheckForInterrupted() ([]InterruptedRun, error) {
	status := RunRunning
	runs, err := rm.db.ListRuns(&status, 0)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var out []InterruptedRun
	for _, r := range runs {
		if r.PID > 0 && rm.alive(r.PID) {
			continue
		}

		ir := InterruptedRun{RunID: r.ID, PID: r.PID, StartedAt: r.StartedAt, LastActivity: r.StartedAt}
		var last string
		row := rm.db.QueryRow(`SELECT COALESCE(MAX(timestamp), '') FROM events WHERE run_id = ?`, r.ID)
		if err := row.Scan(&last); err != nil {
			return nil, fmt.Errorf("last activity of %s: %w", r.ID, err)
		}
		if t, err := parseTime(last); err == nil {
			ir.LastActivity = t
		}

		row = rm.db.QueryRow(`
			SELECT COUNT(*) FROM task_states
			WHERE run_id = ? AND status IN ('pending', 'ready', 'running')
		`, r.ID)
		if err := row.Scan(&ir.Unfinished); err != nil {
			return nil, fmt.Errorf("unfinished tasks of %s: %w", r.ID, err)
		}
		out = append(out, ir)
	}
	return out, nil
}

// MarkInterrupted closes out a run that will never finish.
func (rm *RecoveryManager) MarkInterrupted(runID string) error {
	return rm.db.FinishRun(runID, RunInterrupted, time.Now(), "process exited before the run finished")
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without delivering a signal.
	return process.Signal(syscall.Signal(0)) == nil
}

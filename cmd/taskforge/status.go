package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskforge/internal/state"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

var (
	statusRuns   int
	statusEvents int
	statusTask   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded runs from the journal",
	Long: `Display what the journal recorded about previous runs.

Shows:
  - Recent runs and how they ended
  - Runs whose process died without finishing
  - The last known state of every circuit
  - The last known status of every task

With --task the full event history of one task is shown instead.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusRuns, "runs", 5, "Number of recent runs to show")
	statusCmd.Flags().IntVar(&statusEvents, "events", 0, "Number of recent events to show")
	statusCmd.Flags().StringVar(&statusTask, "task", "", "Show the event history of one task")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.Journal.Path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(cmd.OutOrStdout(), "No journal at %s. Run 'taskforge run -f <manifest>' to start.\n", cfg.Journal.Path)
		return nil
	}

	db, err := state.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}

	w := cmd.OutOrStdout()
	if statusTask != "" {
		return displayTaskHistory(w, db, statusTask)
	}
	return displayStatus(w, db, statusRuns, statusEvents)
}

func displayStatus(w io.Writer, db *state.DB, runs, recent int) error {
	list, err := db.ListRuns(nil, runs)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	fmt.Fprintln(w, "Recent Runs")
	fmt.Fprintln(w, "===========")
	for _, r := range list {
		line := fmt.Sprintf("  %s  %-11s  started %s", r.ID[:min(8, len(r.ID))], runStatusLabel(r.Status), formatAge(r.StartedAt))
		if r.FinishedAt != nil {
			line += fmt.Sprintf(", took %s", formatDuration(r.FinishedAt.Sub(r.StartedAt)))
		}
		fmt.Fprintln(w, line)
		if r.Summary != "" {
			fmt.Fprintf(w, "            %s\n", dim(r.Summary))
		}
	}

	interrupted, err := state.NewRecoveryManager(db).CheckForInterrupted()
	if err != nil {
		return err
	}
	if len(interrupted) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, yellow("Interrupted Runs"))
		for _, ir := range interrupted {
			fmt.Fprintf(w, "  %s  pid %d, last activity %s, %d unfinished tasks\n",
				ir.RunID[:min(8, len(ir.RunID))], ir.PID, formatAge(ir.LastActivity), ir.Unfinished)
		}
	}

	circuits, err := db.LatestCircuitStates()
	if err != nil {
		return err
	}
	if len(circuits) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Circuits")
		fmt.Fprintln(w, "========")
		for _, c := range circuits {
			fmt.Fprintf(w, "  %-20s %s  %s\n", c.Key, circuitLabel(models.CircuitState(c.State)), dim(formatAge(c.ChangedAt)))
		}
	}

	tasks, err := db.ListTaskStates()
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Tasks")
		fmt.Fprintln(w, "=====")
		for _, t := range tasks {
			line := fmt.Sprintf("  %-24s %s", t.TaskID, statusLabel(models.TaskStatus(t.Status)))
			if t.WorkerID != "" {
				line += "  on " + t.WorkerID
			}
			if t.Error != "" {
				line += "  " + dim(truncate(t.Error, 60))
			}
			fmt.Fprintln(w, line)
		}
	}

	if recent > 0 {
		evs, err := db.RecentEvents(recent)
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Recent Events")
		fmt.Fprintln(w, "=============")
		for _, ev := range evs {
			fmt.Fprintf(w, "  %s  %s\n", ev.Timestamp.Local().Format("15:04:05.000"), describeEvent(ev))
		}
	}
	return nil
}

func displayTaskHistory(w io.Writer, db *state.DB, taskID string) error {
	evs, err := db.EventsForTask(taskID)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		fmt.Fprintf(w, "No events recorded for task %s.\n", taskID)
		return nil
	}
	fmt.Fprintf(w, "Task %s\n\n", taskID)
	for _, ev := range evs {
		fmt.Fprintf(w, "  %s  %s\n", ev.Timestamp.Local().Format("2006-01-02 15:04:05.000"), describeEvent(ev))
	}
	return nil
}

func runStatusLabel(s state.RunStatus) string {
	switch s {
	case state.RunFinished:
		return green(string(s))
	case state.RunInterrupted:
		return yellow(string(s))
	default:
		return cyan(string(s))
	}
}

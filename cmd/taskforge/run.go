package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskforge/internal/config"
	"github.com/ShayCichocki/taskforge/internal/exec"
	"github.com/ShayCichocki/taskforge/internal/executor"
	"github.com/ShayCichocki/taskforge/internal/logging"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

var (
	runManifest    string
	runMaxInFlight int
	runWorkersFile string
	runWorkDir     string
	runNoJournal   bool
)

var runCmd = &cobra.Command{
	Use:   "run -f manifest.yaml",
	Short: "Run every task in a manifest",
	Long: `Run registers the manifest's workers, submits its tasks and executes them
until every task has completed, failed, been blocked or been cancelled.

Each task runs the shell command in its "command" metadata. Ctrl-C stops the
run; tasks that were running go back to pending and are picked up by the
next run of the same manifest.

With --workers the worker pool is read from a separate file and reloaded
whenever that file changes. Tasks no worker can serve then wait for a worker
that can instead of failing.

Exit status is 1 if any task did not complete.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runManifest, "file", "f", "", "Manifest file with workers and tasks")
	runCmd.Flags().IntVar(&runMaxInFlight, "max-in-flight", 0, "Maximum concurrently running tasks (overrides config)")
	runCmd.Flags().StringVar(&runWorkersFile, "workers", "", "Workers file to watch for pool changes")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "", "Directory task commands run in")
	runCmd.Flags().BoolVar(&runNoJournal, "no-journal", false, "Do not record events to the journal")
	_ = runCmd.MarkFlagRequired("file")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMaxInFlight > 0 {
		cfg.Executor.MaxInFlight = runMaxInFlight
	}
	if runNoJournal {
		cfg.Journal.Enabled = false
	}
	if runWorkersFile != "" {
		// A capability missing now may arrive with the next reload.
		cfg.Executor.FailUnservable = false
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	manifest, err := config.LoadManifest(runManifest)
	if err != nil {
		return err
	}

	invoker := exec.NewCommandInvoker(exec.WithWorkDir(runWorkDir), exec.WithLogger(logger))
	eng, err := newEngine(cfg, invoker, logger)
	if err != nil {
		return err
	}
	defer eng.close()
	eng.recoverInterrupted()

	if err := eng.load(manifest); err != nil {
		return err
	}

	var watcher *config.WorkerWatcher
	if runWorkersFile != "" {
		watcher = config.NewWorkerWatcher(runWorkersFile, eng.balancer, eng.executor.Wake, logger)
		if err := watcher.Reload(); err != nil {
			return fmt.Errorf("load workers: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := eng.run(ctx, watcher)
	printSummary(cmd.OutOrStdout(), eng, summary)

	switch {
	case errors.Is(runErr, context.Canceled):
		printStatus("!", "Interrupted; running tasks were returned to pending", color.FgYellow)
		return errIncomplete
	case runErr != nil:
		return runErr
	case !summary.Succeeded():
		return errIncomplete
	}
	printStatus("✓", "All tasks completed", color.FgGreen)
	return nil
}

// printSummary writes the per-task outcome table and the run totals.
func printSummary(w io.Writer, eng *engine, summary executor.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run %s finished in %s\n", summary.RunID, formatDuration(summary.Duration))
	fmt.Fprintln(w)

	for _, t := range eng.tasks() {
		line := fmt.Sprintf("%-24s %s", t.ID, statusLabel(t.Status))
		if t.AssignedTo != "" {
			line += fmt.Sprintf("  on %s", t.AssignedTo)
		}
		if t.RetryCount > 0 {
			line += fmt.Sprintf("  (%d retries)", t.RetryCount)
		}
		fmt.Fprintln(w, line)
		if t.Error != "" {
			fmt.Fprintf(w, "  %s\n", dim(t.Error))
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tasks: %s\n", formatCounts(summary.Counts))
	fmt.Fprintf(w, "Attempts: %d  Retries: %d  Rejected: %d  Timed out: %d\n",
		summary.Attempts, summary.Retries, summary.Rejections, summary.Timeouts)
	if summary.Latency.Count > 0 {
		fmt.Fprintf(w, "Latency: p50 %s  p95 %s  max %s\n",
			summary.Latency.P50, summary.Latency.P95, summary.Latency.Max)
	}

	for _, snap := range eng.breaker.Snapshots() {
		if snap.State == models.CircuitClosed {
			continue
		}
		fmt.Fprintf(w, "Circuit %s is %s (%d failures, %d rejections)\n",
			snap.Key, circuitLabel(snap.State), snap.TotalFailures, snap.Rejections)
	}
}

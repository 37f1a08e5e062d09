package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskforge/internal/config"
)

// errIncomplete makes the process exit 1 without printing an extra error line.
var errIncomplete = errors.New("not every task completed")

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "Dependency-aware parallel task executor",
	Long: `taskforge runs a batch of tasks across a pool of workers.

Tasks declare dependencies, a priority, a capability and a retry budget.
A task starts only after every dependency completed. Failed tasks are retried
with backoff; when retries run out every task that depends on them is blocked.
Each worker is guarded by a circuit breaker so a failing worker is rested
instead of hammered.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errIncomplete) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config merged with .taskforge.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the --config file when given, the layered config otherwise.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

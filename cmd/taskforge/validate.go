package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskforge/internal/balancer"
	"github.com/ShayCichocki/taskforge/internal/config"
	"github.com/ShayCichocki/taskforge/internal/store"
)

var validateShowOrder bool

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Check a manifest without running it",
	Long: `Validate parses a manifest and submits its tasks to an empty store.

It reports duplicate task ids, unknown dependencies and dependency cycles,
and warns about tasks whose capability no worker in the manifest serves.
With --order the tasks are listed in dependency order next to the worker an
idle pool would hand them to.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateShowOrder, "order", false, "Print the tasks in dependency order")
}

func runValidate(cmd *cobra.Command, args []string) error {
	m, err := config.LoadManifest(args[0])
	if err != nil {
		return err
	}
	report, err := validateManifest(m)
	if err != nil {
		return err
	}

	printStatus("✓", fmt.Sprintf("%d tasks, %d workers", len(m.Tasks), len(m.Workers)), color.FgGreen)
	for _, w := range report.Warnings {
		printStatus("!", w, color.FgYellow)
	}
	if validateShowOrder {
		printOrder(cmd.OutOrStdout(), report)
	}
	return nil
}

// manifestReport is what validate learned about a manifest.
type manifestReport struct {
	Order []string
	// Placement maps task id to the worker an idle pool would select.
	Placement map[string]string
	Warnings  []string
}

// validateManifest submits the manifest to a scratch store and registers its
// workers in a scratch balancer.
func validateManifest(m *config.Manifest) (manifestReport, error) {
	s := store.New()
	tasks, err := s.Submit(m.Tasks)
	if err != nil {
		return manifestReport{}, err
	}

	b := balancer.New()
	for _, w := range m.Workers {
		if err := b.Register(w); err != nil {
			return manifestReport{}, err
		}
	}

	report := manifestReport{
		Order:     s.Graph().TopologicalOrder(),
		Placement: make(map[string]string, len(tasks)),
	}
	if len(m.Workers) == 0 && len(m.Tasks) > 0 {
		report.Warnings = append(report.Warnings, "manifest declares no workers; supply them with --workers")
		return report, nil
	}
	for i := range tasks {
		w, err := b.SelectWorker(&tasks[i])
		if err == nil {
			report.Placement[tasks[i].ID] = w.ID
			continue
		}
		if !b.Capable(tasks[i].Capability) {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("task %s needs capability %q which no worker serves", tasks[i].ID, tasks[i].Capability))
		}
	}
	return report, nil
}

func printOrder(w io.Writer, report manifestReport) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Order:")
	width := len(fmt.Sprint(len(report.Order)))
	for i, id := range report.Order {
		worker := report.Placement[id]
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(w, "  %*d. %-24s %s\n", width, i+1, id, dim(worker))
	}
}

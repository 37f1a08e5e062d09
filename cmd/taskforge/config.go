package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskforge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify taskforge configuration.

Without arguments, displays the effective configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the user config.

Configuration is stored at ~/.config/taskforge/config.yaml
Project-specific overrides can be placed in .taskforge.yaml
Environment variables override both, e.g. TASKFORGE_EXECUTOR_MAX_IN_FLIGHT=8`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			if err := config.SetUserValue(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", strings.ToLower(args[0]), args[1])
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		settings := config.Settings(cfg)

		if len(args) == 1 {
			value, ok := settings[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("unknown configuration key: %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		}

		displayAllConfig(cmd.OutOrStdout(), settings)
		return nil
	},
}

// displayAllConfig prints every setting sorted by key, then the files consulted.
func displayAllConfig(w io.Writer, settings map[string]any) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %v\n", k, settings[k])
	}

	fmt.Fprintln(w)
	if configPath != "" {
		fmt.Fprintf(w, "%s %s\n", dim("config file:"), configPath)
		return
	}
	fmt.Fprintf(w, "%s %s\n", dim("user config:"), config.GetUserConfigPath())
	project := config.GetProjectConfigPath()
	if project == "" {
		project = "(none)"
	}
	fmt.Fprintf(w, "%s %s\n", dim("project config:"), project)
}

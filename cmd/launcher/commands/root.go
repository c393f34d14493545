package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	projectDir string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "launcher",
		Short: "Build launcher - runs builds and the builds they include",
		Long: `The build launcher drives a build through its lifecycle: init scripts,
settings evaluation, project loading and configuration, task selection and
task execution.

Features:
  - Settings in CUE, build and init scripts in Starlark
  - Included builds configured on demand and run in parallel
  - Settings policies via OPA/rego
  - Build history in SQLite
  - Metrics, traces and build events`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "launcher config file path (YAML)")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project-dir", "p", ".", "root directory of the build")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newAnalyzeCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

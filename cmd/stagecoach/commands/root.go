package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPaths []string
	policyPaths []string
	dbPath      string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stagecoach",
		Short: "Stagecoach - Multi-Step Workflow Orchestration Engine",
		Long: `Stagecoach runs multi-step workflows through a phased delivery pipeline.

Features:
  - Units of work with JSON Schema input/output contracts
  - Dependency-ordered workflow execution over a priority message bus
  - Phase state machine with conditional, parallel, and rollback routing
  - Rego exit policies evaluated at every phase boundary
  - Human approval gates with timeout behaviors
  - Dead-letter parking with operator replay
  - SQLite-backed run history and audit trail`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil, "workflow/plan config files or directories")
	rootCmd.PersistentFlags().StringSliceVar(&policyPaths, "policy", nil, "additional exit policy files or directories")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database path for run history")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newJourneyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newPhasesCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newReplayCommand())
	rootCmd.AddCommand(newDLQCommand())

	return rootCmd
}

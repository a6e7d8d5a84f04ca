package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/stagecoach-io/stagecoach/pkg/config"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workflow and plan configuration",
		Long: `Load the configuration paths and report what they define.

Validation happens in two stages: CUE schemas check the document shape,
then struct-level rules check field constraints. Cross-references are
verified last: every phase of a plan must name a defined workflow.

With --watch the command keeps running and revalidates whenever a YAML
file under the configured paths changes.`,
		Example: `  # Validate a config directory
  stagecoach validate -c ./configs

  # Validate individual files
  stagecoach validate -c workflows.yaml -c plan.yaml

  # Revalidate on every change
  stagecoach validate -c ./configs --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(configPaths) == 0 {
				return fmt.Errorf("no configuration paths provided; use --config")
			}

			telCfg := telemetry.DefaultConfig()
			if verbose {
				telCfg.Logging.Level = "debug"
			}
			logger, err := telemetry.NewLogger(telCfg.Logging)
			if err != nil {
				return err
			}

			loader := config.NewLoader(logger)
			snapshot, err := loader.LoadPaths(configPaths...)
			if err != nil {
				return err
			}

			if err := printSnapshot(snapshot); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			ctx := cmd.Context()
			err = loader.Watch(ctx, configPaths, func(s *config.Snapshot) {
				fmt.Println("Configuration reloaded")
				if perr := printSnapshot(s); perr != nil {
					logger.WithError(perr).Warn("failed to print snapshot")
				}
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and revalidate on changes")

	return cmd
}

func printSnapshot(snapshot *config.Snapshot) error {
	if jsonOutput {
		return printJSON(map[string]interface{}{
			"workflows": len(snapshot.Workflows),
			"plan":      snapshot.Plan != nil,
		})
	}

	names := make([]string, 0, len(snapshot.Workflows))
	for name := range snapshot.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("Configuration is valid: %d workflow(s)\n", len(names))
	for _, name := range names {
		def := snapshot.Workflows[name]
		fmt.Printf("  %-20s phase %d, %d step(s)\n", name, def.Phase, len(def.Steps))
	}
	if snapshot.Plan != nil {
		fmt.Printf("Plan %q: %d phase(s)\n", snapshot.Plan.Name, len(snapshot.Plan.Phases))
	} else {
		fmt.Println("No plan defined; the default delivery plan applies")
	}
	return nil
}

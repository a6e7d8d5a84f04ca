package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stagecoach-io/stagecoach/pkg/agent/builtin"
	"github.com/stagecoach-io/stagecoach/pkg/registry"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

func newAgentsCommand() *cobra.Command {
	var (
		capability string
		phaseNum   int
		resolve    []string
	)

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered units of work",
		Long: `Show every registered unit with its capabilities, phase affinity, and
declared dependencies. Filters narrow the roster; --resolve prints the
dependency-ordered execution order for the named units.`,
		Example: `  # List all units
  stagecoach agents

  # Units accepting work for the build phase
  stagecoach agents --phase 3

  # Units carrying a capability tag
  stagecoach agents --capability review

  # Topological execution order for a unit set
  stagecoach agents --resolve reviewer --resolve handoff`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "warn", Format: "console", Output: "stderr"})
			if err != nil {
				return err
			}

			reg := registry.New(logger)
			agents, err := builtin.All()
			if err != nil {
				return err
			}
			for _, a := range agents {
				if err := reg.Register(a); err != nil {
					return err
				}
			}

			if len(resolve) > 0 {
				order, err := reg.ResolveOrder(resolve)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"order": order})
				}
				fmt.Println(strings.Join(order, " -> "))
				return nil
			}

			defs := reg.Definitions()
			if capability != "" {
				defs = reg.ByCapability(capability)
			}
			if cmd.Flags().Changed("phase") {
				defs = reg.ByPhase(phaseNum)
			}

			if jsonOutput {
				return printJSON(defs)
			}

			for _, def := range defs {
				fmt.Printf("%-12s %s\n", def.Name, def.Description)
				if len(def.Capabilities) > 0 {
					fmt.Printf("  capabilities: %s\n", strings.Join(def.Capabilities, ", "))
				}
				if len(def.PhaseAffinity) > 0 {
					fmt.Printf("  phases: %v\n", def.PhaseAffinity)
				}
				if len(def.Dependencies) > 0 {
					fmt.Printf("  depends on: %s\n", strings.Join(def.Dependencies, ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&capability, "capability", "", "filter by capability tag")
	cmd.Flags().IntVar(&phaseNum, "phase", 0, "filter by accepted phase")
	cmd.Flags().StringSliceVar(&resolve, "resolve", nil, "print the execution order for the named units")

	return cmd
}

package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stagecoach-io/stagecoach/pkg/config"
	"github.com/stagecoach-io/stagecoach/pkg/phase"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

func newPhasesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phases",
		Short: "Show the phase plan",
		Long: `Print the plan's phases in sequence order with their workflows, entry
requirements, approval gates, and transition routing.

The plan comes from the configured definitions (--config) or defaults to
the builtin delivery pipeline.`,
		Example: `  # Show the default delivery plan
  stagecoach phases

  # Show a configured plan
  stagecoach phases -c ./configs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			telCfg := telemetry.DefaultConfig()
			logger, err := telemetry.NewLogger(telCfg.Logging)
			if err != nil {
				return err
			}

			loader := config.NewLoader(logger)
			if len(configPaths) > 0 {
				if _, err := loader.LoadPaths(configPaths...); err != nil {
					return err
				}
			}
			plan := loader.Plan()

			if jsonOutput {
				return printJSON(plan)
			}

			fmt.Printf("Plan %q: %d phase(s)\n", plan.Name, len(plan.Phases))
			for _, spec := range orderedPhases(plan) {
				fmt.Printf("\n[%d] %s  (workflow: %s)\n", spec.Number, spec.Name, spec.Workflow)
				if len(spec.RequiredContext) > 0 {
					fmt.Printf("  requires context: %s\n", strings.Join(spec.RequiredContext, ", "))
				}
				if spec.Gate != nil {
					fmt.Printf("  gate: %s (role %s, timeout %s, on timeout %s)\n",
						spec.Gate.Name, spec.Gate.ApproverRole, spec.Gate.Timeout, spec.Gate.OnTimeout)
				}
				fmt.Printf("  %s\n", describeTransitions(plan, spec))
			}
			return nil
		},
	}

	return cmd
}

func orderedPhases(plan *phase.Plan) []phase.Spec {
	specs := append([]phase.Spec(nil), plan.Phases...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Number < specs[j].Number })
	return specs
}

func describeTransitions(plan *phase.Plan, spec phase.Spec) string {
	var parts []string
	tr := spec.Transitions
	if len(tr.Parallel) > 0 {
		members := make([]string, len(tr.Parallel))
		for i, n := range tr.Parallel {
			members[i] = describePhase(plan, n)
		}
		parts = append(parts, fmt.Sprintf("parallel [%s] join %s",
			strings.Join(members, ", "), describePhase(plan, tr.Join)))
	} else {
		parts = append(parts, fmt.Sprintf("next %s", describePhase(plan, tr.Next)))
	}
	if len(tr.OnFlag) > 0 {
		flags := make([]string, 0, len(tr.OnFlag))
		for flag := range tr.OnFlag {
			flags = append(flags, flag)
		}
		sort.Strings(flags)
		for _, flag := range flags {
			parts = append(parts, fmt.Sprintf("on %s -> %s", flag, describePhase(plan, tr.OnFlag[flag])))
		}
	}
	parts = append(parts, fmt.Sprintf("rollback %s", describePhase(plan, tr.Rollback)))
	return strings.Join(parts, "; ")
}

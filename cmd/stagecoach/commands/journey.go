package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/phase"
)

// phaseRunner binds the workflow engine to the definitions named by the
// plan. It implements phase.Runner.
type phaseRunner struct {
	rt *runtime
}

func (p *phaseRunner) RunPhase(ctx context.Context, spec *phase.Spec, input json.RawMessage) (*engine.RunResult, error) {
	def, err := p.rt.workflow(spec.Workflow)
	if err != nil {
		return nil, err
	}
	return p.rt.engine.Run(ctx, def, input)
}

func newJourneyCommand() *cobra.Command {
	var (
		contextJSON  string
		contextFile  string
		requirements []string
		budget       float64
		autoApprove  bool
		approver     string
		maxVisits    int
	)

	cmd := &cobra.Command{
		Use:   "journey",
		Short: "Run the full phase plan",
		Long: `Walk the phase plan end to end: each phase runs its workflow, exit
policies are evaluated at every phase boundary, and transitions route
linearly, conditionally on policy flags, in parallel, or backward on
rollback.

The plan comes from the configured definitions (--config) or defaults to
the builtin delivery pipeline: assessment, design, costing, build and
documentation in parallel, review behind an approval gate, handoff.

Approval gates need an operator decision. With --auto-approve every gate
is resolved as approved on behalf of --approver; without it gates are
bypassed, since a CLI journey has no one to wait for.`,
		Example: `  # Run the demo pipeline
  stagecoach journey --requirements "api gateway" --requirements "database" --auto-approve

  # Run with an explicit context and budget
  stagecoach journey --context '{"requirements":["api"],"budget":500}' --auto-approve

  # Run a configured plan and keep the audit trail
  stagecoach journey -c ./configs --context-file context.json --db runs.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			initial, err := buildContext(contextJSON, contextFile, requirements, budget)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			plan := rt.loader.Plan()

			opts := []phase.MachineOption{
				phase.WithLogger(rt.tel.Logger),
				phase.WithEvents(rt.tel.Events),
				phase.WithMetrics(rt.tel.Metrics),
			}
			if maxVisits > 0 {
				opts = append(opts, phase.WithConfig(phase.Config{MaxVisits: maxVisits}))
			}
			if autoApprove {
				opts = append(opts, phase.WithGates(rt.bus))
				stop := autoApproveGates(rt, approver)
				defer stop()
			} else {
				log.Warn().Msg("Approval gates are bypassed; use --auto-approve to enforce them")
			}

			machine, err := phase.NewMachine(plan, &phaseRunner{rt: rt}, rt.policies, opts...)
			if err != nil {
				return err
			}

			log.Info().
				Str("plan", plan.Name).
				Int("phases", len(plan.Phases)).
				Msg("Starting journey")

			outcome, err := machine.Run(ctx, initial)
			if err != nil {
				return err
			}

			if err := printOutcome(plan, outcome); err != nil {
				return err
			}
			if outcome.Status != phase.StatusComplete {
				return fmt.Errorf("journey finished %s at phase %d", outcome.Status, outcome.FinalPhase)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&contextJSON, "context", "", "initial journey context as a JSON object")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "file containing the initial context JSON")
	cmd.Flags().StringSliceVarP(&requirements, "requirements", "r", nil, "requirement entries added to the context")
	cmd.Flags().Float64Var(&budget, "budget", 1000, "monthly budget added to the context")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "resolve every approval gate as approved")
	cmd.Flags().StringVar(&approver, "approver", "operator", "name recorded on auto-approved gates")
	cmd.Flags().IntVar(&maxVisits, "max-visits", 0, "per-phase visit ceiling before escalation")

	return cmd
}

// buildContext assembles the initial journey context from the flag set.
// Explicit context JSON wins; --requirements and --budget fill gaps.
func buildContext(contextJSON, contextFile string, requirements []string, budget float64) (map[string]interface{}, error) {
	if contextJSON != "" && contextFile != "" {
		return nil, fmt.Errorf("--context and --context-file are mutually exclusive")
	}
	raw := []byte(contextJSON)
	if contextFile != "" {
		content, err := os.ReadFile(contextFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read context file: %w", err)
		}
		raw = content
	}

	initial := make(map[string]interface{})
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &initial); err != nil {
			return nil, fmt.Errorf("context must be a JSON object: %w", err)
		}
	}
	if _, ok := initial["requirements"]; !ok && len(requirements) > 0 {
		entries := make([]interface{}, len(requirements))
		for i, r := range requirements {
			entries[i] = r
		}
		initial["requirements"] = entries
	}
	if _, ok := initial["budget"]; !ok {
		initial["budget"] = budget
	}
	return initial, nil
}

// autoApproveGates resolves every pending gate as approved until the
// returned stop function is called.
func autoApproveGates(rt *runtime, approver string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, g := range rt.bus.Gates() {
					if g.Status != engine.GateStatusPending {
						continue
					}
					if err := rt.bus.ResolveGate(g.Name, engine.GateStatusApproved, approver); err != nil {
						continue
					}
					log.Info().Str("gate", g.Name).Str("approver", approver).Msg("Gate auto-approved")
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func printOutcome(plan *phase.Plan, outcome *phase.Outcome) error {
	if jsonOutput {
		return printJSON(outcome)
	}

	fmt.Printf("Journey through plan %q finished: %s\n", plan.Name, outcome.Status)
	fmt.Printf("Final phase: %s\n", describePhase(plan, outcome.FinalPhase))
	fmt.Printf("Workflow runs: %d\n", len(outcome.Runs))
	fmt.Println("Transitions:")
	for _, tr := range outcome.History {
		line := fmt.Sprintf("  %-12s %s -> %s", tr.Kind,
			describePhase(plan, tr.From), describePhase(plan, tr.To))
		if tr.Reason != "" {
			line += fmt.Sprintf("  (%s)", tr.Reason)
		}
		fmt.Println(line)
	}
	return nil
}

// describePhase renders a phase number with its name when the plan knows it.
func describePhase(plan *phase.Plan, n int) string {
	switch n {
	case phase.Complete:
		return "complete"
	case phase.Escalated:
		return "escalated"
	}
	if spec, err := plan.Phase(n); err == nil {
		return fmt.Sprintf("%d/%s", n, spec.Name)
	}
	return fmt.Sprintf("%d", n)
}

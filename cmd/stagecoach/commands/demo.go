package commands

import (
	"github.com/stagecoach-io/stagecoach/pkg/agent/builtin"
	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

// demoWorkflows returns the workflow definitions backing the default
// delivery plan, one per phase, each driving a builtin unit. Phase input
// is the journey context, so bindings read prior phase outputs from
// $input.artifacts keyed by step id.
func demoWorkflows() map[string]*engine.WorkflowDefinition {
	defs := []*engine.WorkflowDefinition{
		{
			Name:  "assessment",
			Phase: builtin.PhaseAssessment,
			Steps: []engine.Step{
				{
					ID:   "assess",
					Unit: "assessor",
					Inputs: map[string]interface{}{
						"requirements": "$input.requirements",
					},
					OnError: engine.ErrorStrategyRetry,
					Retries: 1,
				},
			},
		},
		{
			Name:  "design",
			Phase: builtin.PhaseDesign,
			Steps: []engine.Step{
				{
					ID:   "design",
					Unit: "designer",
					Inputs: map[string]interface{}{
						"profile": "$input.artifacts.assess.profile",
					},
					OnError: engine.ErrorStrategyStop,
				},
			},
		},
		{
			Name:  "costing",
			Phase: builtin.PhaseCosting,
			Steps: []engine.Step{
				{
					ID:   "estimate",
					Unit: "estimator",
					Inputs: map[string]interface{}{
						"blueprint": "$input.artifacts.design.blueprint",
						"budget":    "$input.budget",
					},
					OnError: engine.ErrorStrategyRetry,
					Retries: 1,
				},
			},
		},
		{
			Name:  "build",
			Phase: builtin.PhaseBuild,
			Steps: []engine.Step{
				{
					ID:   "provision",
					Unit: "builder",
					Inputs: map[string]interface{}{
						"blueprint": "$input.artifacts.design.blueprint",
					},
					OnError: engine.ErrorStrategyStop,
				},
			},
		},
		{
			Name:  "documentation",
			Phase: builtin.PhaseDocs,
			Steps: []engine.Step{
				{
					ID:   "document",
					Unit: "documenter",
					Inputs: map[string]interface{}{
						"blueprint": "$input.artifacts.design.blueprint",
					},
					OnError: engine.ErrorStrategyContinue,
				},
			},
		},
		{
			Name:  "review",
			Phase: builtin.PhaseReview,
			Steps: []engine.Step{
				{
					ID:   "review",
					Unit: "reviewer",
					Inputs: map[string]interface{}{
						"artifacts": "$input.artifacts.provision.artifacts",
						"documents": "$input.artifacts.document.documents",
					},
					OnError: engine.ErrorStrategyStop,
				},
			},
		},
		{
			Name:  "handoff",
			Phase: builtin.PhaseHandoff,
			Steps: []engine.Step{
				{
					ID:   "handoff",
					Unit: "handoff",
					Inputs: map[string]interface{}{
						"artifacts": "$input.artifacts.provision.artifacts",
						"documents": "$input.artifacts.document.documents",
					},
					OnError: engine.ErrorStrategyStop,
				},
			},
		},
	}

	out := make(map[string]*engine.WorkflowDefinition, len(defs))
	for _, def := range defs {
		out[def.Name] = def
	}
	return out
}

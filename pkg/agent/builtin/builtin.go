// Package builtin ships the demo pipeline agents used by the CLI demo
// workflow and the integration tests. Each agent is deterministic: given
// the same input it produces the same output, which keeps workflow tests
// reproducible.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stagecoach-io/stagecoach/pkg/agent"
)

// Phase numbers of the canonical pipeline.
const (
	PhaseAssessment = 0
	PhaseDesign     = 1
	PhaseCosting    = 2
	PhaseBuild      = 3
	PhaseDocs       = 4
	PhaseReview     = 5
	PhaseHandoff    = 6
)

// All returns every builtin agent. The estimator runs without a pricing
// client; use NewEstimator to attach one.
func All() ([]agent.Agent, error) {
	ctors := []func() (agent.Agent, error){
		NewAssessor,
		NewDesigner,
		func() (agent.Agent, error) { return NewEstimator(nil) },
		NewBuilder,
		NewDocumenter,
		NewReviewer,
		NewHandoff,
	}
	agents := make([]agent.Agent, 0, len(ctors))
	for _, ctor := range ctors {
		a, err := ctor()
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// NewAssessor creates the assessment agent. It profiles the incoming
// requirement list and flags entries that need human attention.
func NewAssessor() (agent.Agent, error) {
	def := agent.Definition{
		Name:          "assessor",
		Description:   "Profiles requirements and flags risky items",
		Capabilities:  []string{"assessment"},
		PhaseAffinity: []int{PhaseAssessment},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["requirements"],
			"properties": {
				"requirements": {
					"type": "array",
					"items": {"type": "string"},
					"minItems": 1
				}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["profile", "flagged"],
			"properties": {
				"profile": {
					"type": "object",
					"required": ["size", "categories"],
					"properties": {
						"size": {"type": "string", "enum": ["small", "medium", "large"]},
						"categories": {"type": "array", "items": {"type": "string"}}
					}
				},
				"flagged": {"type": "array", "items": {"type": "string"}}
			}
		}`),
	}

	return agent.NewFunc(def, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Requirements []string `json:"requirements"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}

		size := "small"
		switch {
		case len(in.Requirements) > 20:
			size = "large"
		case len(in.Requirements) > 5:
			size = "medium"
		}

		categories := make([]string, 0)
		flagged := make([]string, 0)
		seen := map[string]bool{}
		for _, req := range in.Requirements {
			cat := categorize(req)
			if !seen[cat] {
				seen[cat] = true
				categories = append(categories, cat)
			}
			if strings.Contains(strings.ToLower(req), "compliance") ||
				strings.Contains(strings.ToLower(req), "regulated") {
				flagged = append(flagged, req)
			}
		}

		return json.Marshal(map[string]interface{}{
			"profile": map[string]interface{}{
				"size":       size,
				"categories": categories,
			},
			"flagged": flagged,
		})
	})
}

func categorize(requirement string) string {
	lower := strings.ToLower(requirement)
	switch {
	case strings.Contains(lower, "database"), strings.Contains(lower, "storage"):
		return "data"
	case strings.Contains(lower, "api"), strings.Contains(lower, "service"):
		return "compute"
	case strings.Contains(lower, "network"), strings.Contains(lower, "vpn"):
		return "network"
	default:
		return "general"
	}
}

// NewDesigner creates the design agent. It turns a workload profile into
// a component blueprint.
func NewDesigner() (agent.Agent, error) {
	def := agent.Definition{
		Name:          "designer",
		Description:   "Produces a component blueprint from a workload profile",
		Dependencies:  []string{"assessor"},
		Capabilities:  []string{"design"},
		PhaseAffinity: []int{PhaseDesign},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["profile"],
			"properties": {
				"profile": {
					"type": "object",
					"required": ["size", "categories"]
				}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["blueprint"],
			"properties": {
				"blueprint": {
					"type": "object",
					"required": ["components"],
					"properties": {
						"components": {
							"type": "array",
							"items": {
								"type": "object",
								"required": ["name", "tier"],
								"properties": {
									"name": {"type": "string"},
									"tier": {"type": "string"}
								}
							},
							"minItems": 1
						}
					}
				}
			}
		}`),
	}

	return agent.NewFunc(def, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Profile struct {
				Size       string   `json:"size"`
				Categories []string `json:"categories"`
			} `json:"profile"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}

		tier := map[string]string{
			"small":  "basic",
			"medium": "standard",
			"large":  "premium",
		}[in.Profile.Size]
		if tier == "" {
			tier = "standard"
		}

		components := make([]map[string]interface{}, 0, len(in.Profile.Categories))
		for _, cat := range in.Profile.Categories {
			components = append(components, map[string]interface{}{
				"name": cat,
				"tier": tier,
			})
		}
		if len(components) == 0 {
			components = append(components, map[string]interface{}{
				"name": "general",
				"tier": tier,
			})
		}

		return json.Marshal(map[string]interface{}{
			"blueprint": map[string]interface{}{
				"components": components,
			},
		})
	})
}

// componentRates is the local fallback price table, per component tier
// and month.
var componentRates = map[string]float64{
	"basic":    40,
	"standard": 180,
	"premium":  750,
}

// Estimator prices a blueprint. When a pricing client is attached it asks
// the external service per component; otherwise it falls back to a local
// rate table. The client's lifetime is bracketed by Initialize/Cleanup.
type Estimator struct {
	*agent.Base
	newClient func(ctx context.Context) (agent.ToolClient, error)
	client    agent.ToolClient
}

// NewEstimator creates the costing agent. newClient may be nil, in which
// case local rates apply.
func NewEstimator(newClient func(ctx context.Context) (agent.ToolClient, error)) (agent.Agent, error) {
	def := agent.Definition{
		Name:          "estimator",
		Description:   "Prices a blueprint and checks it against budget",
		Dependencies:  []string{"designer"},
		Capabilities:  []string{"costing"},
		PhaseAffinity: []int{PhaseCosting},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["blueprint"],
			"properties": {
				"blueprint": {
					"type": "object",
					"required": ["components"]
				},
				"budget": {"type": "number", "minimum": 0}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["estimate", "within_budget"],
			"properties": {
				"estimate": {
					"type": "object",
					"required": ["monthly_cost", "currency"],
					"properties": {
						"monthly_cost": {"type": "number"},
						"currency": {"type": "string"}
					}
				},
				"within_budget": {"type": "boolean"}
			}
		}`),
	}
	base, err := agent.NewBase(def)
	if err != nil {
		return nil, err
	}
	return &Estimator{Base: base, newClient: newClient}, nil
}

// Initialize opens the pricing client when one is configured. It is
// idempotent: an already-open client is reused.
func (e *Estimator) Initialize(ctx context.Context, config map[string]interface{}) error {
	if e.newClient == nil || e.client != nil {
		return nil
	}
	client, err := e.newClient(ctx)
	if err != nil {
		return fmt.Errorf("opening pricing client: %w", err)
	}
	e.client = client
	return nil
}

// Execute prices each blueprint component and compares the total against
// the budget when one is given.
func (e *Estimator) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Blueprint struct {
			Components []struct {
				Name string `json:"name"`
				Tier string `json:"tier"`
			} `json:"components"`
		} `json:"blueprint"`
		Budget *float64 `json:"budget"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}

	var total float64
	for _, comp := range in.Blueprint.Components {
		cost, err := e.price(ctx, comp.Name, comp.Tier)
		if err != nil {
			return nil, err
		}
		total += cost
	}

	withinBudget := true
	if in.Budget != nil {
		withinBudget = total <= *in.Budget
	}

	return json.Marshal(map[string]interface{}{
		"estimate": map[string]interface{}{
			"monthly_cost": total,
			"currency":     "USD",
		},
		"within_budget": withinBudget,
	})
}

func (e *Estimator) price(ctx context.Context, name, tier string) (float64, error) {
	if e.client == nil {
		if rate, ok := componentRates[tier]; ok {
			return rate, nil
		}
		return componentRates["standard"], nil
	}

	params, _ := json.Marshal(map[string]string{"component": name, "tier": tier})
	resp, err := e.client.Call(ctx, "price", params)
	if err != nil {
		return 0, fmt.Errorf("pricing %s: %w", name, err)
	}
	var out struct {
		MonthlyCost float64 `json:"monthly_cost"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return 0, fmt.Errorf("decoding price for %s: %w", name, err)
	}
	return out.MonthlyCost, nil
}

// Cleanup closes the pricing client.
func (e *Estimator) Cleanup(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// NewBuilder creates the build agent. It turns a blueprint into a list
// of provisioned artifacts.
func NewBuilder() (agent.Agent, error) {
	def := agent.Definition{
		Name:          "builder",
		Description:   "Provisions artifacts from a blueprint",
		Dependencies:  []string{"estimator"},
		Capabilities:  []string{"provisioning"},
		PhaseAffinity: []int{PhaseBuild},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["blueprint"],
			"properties": {
				"blueprint": {"type": "object", "required": ["components"]}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["artifacts"],
			"properties": {
				"artifacts": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["id", "component"],
						"properties": {
							"id": {"type": "string"},
							"component": {"type": "string"}
						}
					}
				}
			}
		}`),
	}

	return agent.NewFunc(def, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Blueprint struct {
				Components []struct {
					Name string `json:"name"`
					Tier string `json:"tier"`
				} `json:"components"`
			} `json:"blueprint"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}

		artifacts := make([]map[string]interface{}, 0, len(in.Blueprint.Components))
		for i, comp := range in.Blueprint.Components {
			artifacts = append(artifacts, map[string]interface{}{
				"id":        fmt.Sprintf("artifact-%03d", i+1),
				"component": comp.Name,
			})
		}
		return json.Marshal(map[string]interface{}{"artifacts": artifacts})
	})
}

// NewDocumenter creates the documentation agent. It runs in parallel
// with the builder.
func NewDocumenter() (agent.Agent, error) {
	def := agent.Definition{
		Name:          "documenter",
		Description:   "Produces a document set for a blueprint",
		Dependencies:  []string{"estimator"},
		Capabilities:  []string{"documentation"},
		PhaseAffinity: []int{PhaseDocs},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["blueprint"],
			"properties": {
				"blueprint": {"type": "object", "required": ["components"]}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["documents"],
			"properties": {
				"documents": {"type": "array", "items": {"type": "string"}}
			}
		}`),
	}

	return agent.NewFunc(def, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Blueprint struct {
				Components []struct {
					Name string `json:"name"`
				} `json:"components"`
			} `json:"blueprint"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}

		documents := []string{"overview.md"}
		for _, comp := range in.Blueprint.Components {
			documents = append(documents, fmt.Sprintf("%s.md", comp.Name))
		}
		return json.Marshal(map[string]interface{}{"documents": documents})
	})
}

// NewReviewer creates the review agent. It checks artifacts against the
// document set and reports findings for the approval gate.
func NewReviewer() (agent.Agent, error) {
	def := agent.Definition{
		Name:          "reviewer",
		Description:   "Reviews artifacts against the document set",
		Dependencies:  []string{"builder", "documenter"},
		Capabilities:  []string{"review"},
		PhaseAffinity: []int{PhaseReview},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["artifacts", "documents"],
			"properties": {
				"artifacts": {"type": "array"},
				"documents": {"type": "array", "items": {"type": "string"}}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["approved", "findings"],
			"properties": {
				"approved": {"type": "boolean"},
				"findings": {"type": "array", "items": {"type": "string"}}
			}
		}`),
	}

	return agent.NewFunc(def, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Artifacts []interface{} `json:"artifacts"`
			Documents []string      `json:"documents"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}

		findings := make([]string, 0)
		if len(in.Artifacts) == 0 {
			findings = append(findings, "no artifacts produced")
		}
		// Every artifact plus the overview must be documented.
		if len(in.Documents) < len(in.Artifacts)+1 {
			findings = append(findings, "artifacts missing documentation")
		}

		return json.Marshal(map[string]interface{}{
			"approved": len(findings) == 0,
			"findings": findings,
		})
	})
}

// NewHandoff creates the handoff agent closing out the pipeline.
func NewHandoff() (agent.Agent, error) {
	def := agent.Definition{
		Name:          "handoff",
		Description:   "Assembles the final handoff package",
		Dependencies:  []string{"reviewer"},
		Capabilities:  []string{"handoff"},
		PhaseAffinity: []int{PhaseHandoff},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["artifacts", "documents"],
			"properties": {
				"artifacts": {"type": "array"},
				"documents": {"type": "array"}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["package"],
			"properties": {
				"package": {
					"type": "object",
					"required": ["artifact_count", "document_count"],
					"properties": {
						"artifact_count": {"type": "integer"},
						"document_count": {"type": "integer"}
					}
				}
			}
		}`),
	}

	return agent.NewFunc(def, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Artifacts []interface{} `json:"artifacts"`
			Documents []interface{} `json:"documents"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{
			"package": map[string]interface{}{
				"artifact_count": len(in.Artifacts),
				"document_count": len(in.Documents),
			},
		})
	})
}

package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stagecoach-io/stagecoach/pkg/agent"
)

// run validates, executes, and re-validates one agent, the way the
// runner would.
func run(t *testing.T, a agent.Agent, input string) json.RawMessage {
	t.Helper()
	ctx := context.Background()

	if err := a.Initialize(ctx, nil); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer func() {
		if err := a.Cleanup(ctx); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	if err := a.ValidateInput(json.RawMessage(input)); err != nil {
		t.Fatalf("ValidateInput() error = %v", err)
	}
	output, err := a.Execute(ctx, json.RawMessage(input))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := a.ValidateOutput(output); err != nil {
		t.Fatalf("ValidateOutput() error = %v", err)
	}
	return output
}

func TestAllConstructs(t *testing.T) {
	agents, err := All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(agents) != 7 {
		t.Fatalf("len(agents) = %d, want 7", len(agents))
	}
	seen := map[string]bool{}
	for _, a := range agents {
		name := a.Definition().Name
		if seen[name] {
			t.Errorf("duplicate agent name %q", name)
		}
		seen[name] = true
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	assessor, err := NewAssessor()
	if err != nil {
		t.Fatalf("NewAssessor() error = %v", err)
	}
	profile := run(t, assessor, `{"requirements":["public api","postgres database","compliance audit"]}`)

	var assessed struct {
		Profile struct {
			Size       string   `json:"size"`
			Categories []string `json:"categories"`
		} `json:"profile"`
		Flagged []string `json:"flagged"`
	}
	if err := json.Unmarshal(profile, &assessed); err != nil {
		t.Fatalf("decoding assessor output: %v", err)
	}
	if assessed.Profile.Size != "small" {
		t.Errorf("size = %q, want small", assessed.Profile.Size)
	}
	if len(assessed.Flagged) != 1 {
		t.Errorf("flagged = %v, want one compliance item", assessed.Flagged)
	}

	designer, err := NewDesigner()
	if err != nil {
		t.Fatalf("NewDesigner() error = %v", err)
	}
	design := run(t, designer, string(profile))

	estimator, err := NewEstimator(nil)
	if err != nil {
		t.Fatalf("NewEstimator() error = %v", err)
	}
	estimate := run(t, estimator, string(design))

	var costed struct {
		Estimate struct {
			MonthlyCost float64 `json:"monthly_cost"`
			Currency    string  `json:"currency"`
		} `json:"estimate"`
		WithinBudget bool `json:"within_budget"`
	}
	if err := json.Unmarshal(estimate, &costed); err != nil {
		t.Fatalf("decoding estimator output: %v", err)
	}
	if costed.Estimate.MonthlyCost <= 0 {
		t.Errorf("monthly_cost = %v, want > 0", costed.Estimate.MonthlyCost)
	}
	if !costed.WithinBudget {
		t.Error("expected within_budget without an explicit budget")
	}

	builder, err := NewBuilder()
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	built := run(t, builder, string(design))

	documenter, err := NewDocumenter()
	if err != nil {
		t.Fatalf("NewDocumenter() error = %v", err)
	}
	docs := run(t, documenter, string(design))

	var artifacts struct {
		Artifacts []json.RawMessage `json:"artifacts"`
	}
	var documents struct {
		Documents []string `json:"documents"`
	}
	if err := json.Unmarshal(built, &artifacts); err != nil {
		t.Fatalf("decoding builder output: %v", err)
	}
	if err := json.Unmarshal(docs, &documents); err != nil {
		t.Fatalf("decoding documenter output: %v", err)
	}

	reviewInput, _ := json.Marshal(map[string]interface{}{
		"artifacts": artifacts.Artifacts,
		"documents": documents.Documents,
	})
	reviewer, err := NewReviewer()
	if err != nil {
		t.Fatalf("NewReviewer() error = %v", err)
	}
	review := run(t, reviewer, string(reviewInput))

	var reviewed struct {
		Approved bool     `json:"approved"`
		Findings []string `json:"findings"`
	}
	if err := json.Unmarshal(review, &reviewed); err != nil {
		t.Fatalf("decoding reviewer output: %v", err)
	}
	if !reviewed.Approved {
		t.Errorf("expected approval, findings = %v", reviewed.Findings)
	}
}

func TestEstimatorRespectsBudget(t *testing.T) {
	estimator, err := NewEstimator(nil)
	if err != nil {
		t.Fatalf("NewEstimator() error = %v", err)
	}
	output := run(t, estimator,
		`{"blueprint":{"components":[{"name":"data","tier":"premium"}]},"budget":100}`)

	var costed struct {
		WithinBudget bool `json:"within_budget"`
	}
	if err := json.Unmarshal(output, &costed); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if costed.WithinBudget {
		t.Error("premium component must exceed a 100 budget")
	}
}

// fakePricing is a ToolClient stub; calls are counted so tests can prove
// the seam is exercised.
type fakePricing struct {
	calls  int
	closed bool
}

func (f *fakePricing) Name() string { return "pricing" }

func (f *fakePricing) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if method != "price" {
		return nil, errors.New("unknown method")
	}
	f.calls++
	return json.RawMessage(`{"monthly_cost": 12.5}`), nil
}

func (f *fakePricing) Close() error {
	f.closed = true
	return nil
}

func TestEstimatorUsesPricingClient(t *testing.T) {
	client := &fakePricing{}
	estimator, err := NewEstimator(func(ctx context.Context) (agent.ToolClient, error) {
		return client, nil
	})
	if err != nil {
		t.Fatalf("NewEstimator() error = %v", err)
	}

	output := run(t, estimator,
		`{"blueprint":{"components":[{"name":"data","tier":"basic"},{"name":"compute","tier":"basic"}]}}`)

	var costed struct {
		Estimate struct {
			MonthlyCost float64 `json:"monthly_cost"`
		} `json:"estimate"`
	}
	if err := json.Unmarshal(output, &costed); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if costed.Estimate.MonthlyCost != 25 {
		t.Errorf("monthly_cost = %v, want 25 (two priced components)", costed.Estimate.MonthlyCost)
	}
	if client.calls != 2 {
		t.Errorf("pricing calls = %d, want 2", client.calls)
	}
	if !client.closed {
		t.Error("cleanup must close the pricing client")
	}
}

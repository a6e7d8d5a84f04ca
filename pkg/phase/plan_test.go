package phase

import (
	"testing"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

func TestDefaultPlanValidates(t *testing.T) {
	plan := DefaultPlan()
	if err := plan.Validate(); err != nil {
		t.Fatalf("default plan failed validation: %v", err)
	}
	if got := plan.Initial(); got != PhaseAssessment {
		t.Errorf("initial phase = %d, want %d", got, PhaseAssessment)
	}
	want := []int{0, 1, 2, 3, 4, 5, 6}
	seq := plan.Sequence()
	if len(seq) != len(want) {
		t.Fatalf("sequence length = %d, want %d", len(seq), len(want))
	}
	for i, n := range want {
		if seq[i] != n {
			t.Errorf("sequence[%d] = %d, want %d", i, seq[i], n)
		}
	}
}

func TestPhaseLookup(t *testing.T) {
	plan := DefaultPlan()

	spec, err := plan.Phase(PhaseReview)
	if err != nil {
		t.Fatalf("Phase(%d): %v", PhaseReview, err)
	}
	if spec.Name != "review" {
		t.Errorf("phase name = %q, want review", spec.Name)
	}
	if spec.Gate == nil || spec.Gate.Name != "review-exit" {
		t.Errorf("review phase should carry the review-exit gate, got %+v", spec.Gate)
	}

	if _, err := plan.Phase(42); !engine.IsNotFound(err) {
		t.Errorf("Phase(42) error = %v, want not found", err)
	}
}

func TestCostingTransitionsRouteEveryWay(t *testing.T) {
	plan := DefaultPlan()
	spec, err := plan.Phase(PhaseCosting)
	if err != nil {
		t.Fatalf("Phase(%d): %v", PhaseCosting, err)
	}
	t1 := spec.Transitions
	if t1.OnFlag["cost_too_high"] != PhaseCosting {
		t.Errorf("cost_too_high should self-loop, routes to %d", t1.OnFlag["cost_too_high"])
	}
	if len(t1.Parallel) != 2 || t1.Join != PhaseReview {
		t.Errorf("costing should split to two phases joining at review, got %v join %d", t1.Parallel, t1.Join)
	}
	if t1.Rollback != PhaseDesign {
		t.Errorf("costing rollback = %d, want %d", t1.Rollback, PhaseDesign)
	}
}

func TestValidateRejectsStructuralFaults(t *testing.T) {
	linear := func(n, next, rollback int) Spec {
		return Spec{
			Number:      n,
			Name:        "p",
			Workflow:    "wf",
			Transitions: Transitions{Next: next, Rollback: rollback},
		}
	}

	cases := []struct {
		name string
		plan *Plan
	}{
		{"empty plan", &Plan{Name: "x"}},
		{"negative phase number", &Plan{Name: "x", Phases: []Spec{linear(-3, Complete, -3)}}},
		{"duplicate phase number", &Plan{Name: "x", Phases: []Spec{
			linear(0, 1, 0), linear(0, Complete, 0), linear(1, Complete, 0),
		}}},
		{"next targets unknown phase", &Plan{Name: "x", Phases: []Spec{linear(0, 9, 0)}}},
		{"next moves backward", &Plan{Name: "x", Phases: []Spec{
			linear(0, 1, 0), linear(1, 0, 0),
		}}},
		{"flag targets unknown phase", &Plan{Name: "x", Phases: []Spec{
			{Number: 0, Name: "p", Workflow: "wf", Transitions: Transitions{
				Next: Complete, OnFlag: map[string]int{"f": 9}, Rollback: 0,
			}},
		}}},
		{"parallel with one member", &Plan{Name: "x", Phases: []Spec{
			{Number: 0, Name: "p", Workflow: "wf", Transitions: Transitions{
				Next: 1, Parallel: []int{1}, Join: 2, Rollback: 0,
			}},
			linear(1, 2, 0),
			linear(2, Complete, 0),
		}}},
		{"parallel member does not converge on join", &Plan{Name: "x", Phases: []Spec{
			{Number: 0, Name: "p", Workflow: "wf", Transitions: Transitions{
				Next: 1, Parallel: []int{1, 2}, Join: 3, Rollback: 0,
			}},
			linear(1, 3, 0),
			linear(2, Complete, 0),
			linear(3, Complete, 0),
		}}},
		{"parallel member earlier than split", &Plan{Name: "x", Phases: []Spec{
			linear(0, 1, 0),
			{Number: 1, Name: "p", Workflow: "wf", Transitions: Transitions{
				Next: 2, Parallel: []int{0, 2}, Join: 3, Rollback: 0,
			}},
			linear(2, 3, 0),
			linear(3, Complete, 0),
		}}},
		{"rollback targets later phase", &Plan{Name: "x", Phases: []Spec{
			linear(0, 1, 1), linear(1, Complete, 0),
		}}},
		{"gate without name", &Plan{Name: "x", Phases: []Spec{
			{Number: 0, Name: "p", Workflow: "wf", Gate: &GateSpec{},
				Transitions: Transitions{Next: Complete, Rollback: 0}},
		}}},
		{"gate with bad timeout behavior", &Plan{Name: "x", Phases: []Spec{
			{Number: 0, Name: "p", Workflow: "wf",
				Gate:        &GateSpec{Name: "g", OnTimeout: "explode"},
				Transitions: Transitions{Next: Complete, Rollback: 0}},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.plan.Validate(); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

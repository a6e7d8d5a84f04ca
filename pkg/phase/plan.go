package phase

import (
	"fmt"
	"sort"
	"time"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/policy"
)

// Terminal pseudo-phases used as transition targets.
const (
	// Complete is the absorbing success state.
	Complete = -1

	// Escalated is the absorbing manual-intervention state.
	Escalated = -2
)

// Spec describes one phase of a plan.
type Spec struct {
	// Number is the phase number. Numbers are unique within a plan and
	// advance monotonically except through explicit rollback or
	// conditional routing.
	Number int `json:"number"`

	// Name is the phase's display name.
	Name string `json:"name"`

	// Workflow is the name of the workflow definition the phase runs.
	Workflow string `json:"workflow"`

	// RequiredContext lists context keys that must be present before the
	// phase may be entered. Missing keys block entry with a PhaseEntryError.
	RequiredContext []string `json:"required_context,omitempty"`

	// Gate, when set, opens an approval gate once the phase's exit
	// conditions are met; the transition waits for its resolution.
	Gate *GateSpec `json:"gate,omitempty"`

	// Transitions routes the phase's exit.
	Transitions Transitions `json:"transitions"`
}

// GateSpec configures a phase-exit approval gate.
type GateSpec struct {
	// Name identifies the gate on the bus.
	Name string `json:"name"`

	// ApproverRole is the role required to resolve the gate.
	ApproverRole string `json:"approver_role,omitempty"`

	// Timeout bounds how long the gate may stay pending. Zero means no
	// timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// OnTimeout is the behavior applied when the timeout fires.
	OnTimeout engine.GateTimeoutBehavior `json:"on_timeout,omitempty"`

	// Default is the resolution substituted by the use_default behavior.
	Default engine.GateStatus `json:"default,omitempty"`
}

// Transitions routes a phase's exit. Exactly one of the forward routes
// applies per exit: a raised flag matching OnFlag wins over Parallel, which
// wins over Next.
type Transitions struct {
	// Next is the linear successor. Complete ends the plan.
	Next int `json:"next"`

	// OnFlag maps policy flags to conditional successors. A flag may route
	// backward or to the phase itself (a self-loop for re-assessment).
	OnFlag map[string]int `json:"on_flag,omitempty"`

	// Parallel lists successors that all run concurrently; the phase named
	// by Join starts only after every member completes.
	Parallel []int `json:"parallel,omitempty"`

	// Join is the downstream phase behind the parallel barrier.
	Join int `json:"join,omitempty"`

	// Rollback is the phase re-entered on a rejected approval gate or a
	// blocked exit validation. It must not be later than the phase itself.
	Rollback int `json:"rollback"`
}

// TransitionKind classifies a recorded transition.
type TransitionKind string

const (
	KindLinear      TransitionKind = "linear"
	KindConditional TransitionKind = "conditional"
	KindParallel    TransitionKind = "parallel"
	KindJoin        TransitionKind = "join"
	KindRollback    TransitionKind = "rollback"
	KindEscalation  TransitionKind = "escalation"
	KindCompletion  TransitionKind = "completion"
)

// Transition is one recorded phase transition.
type Transition struct {
	// From is the phase number exited.
	From int `json:"from"`

	// To is the target phase number, or Complete / Escalated.
	To int `json:"to"`

	// Kind classifies the transition.
	Kind TransitionKind `json:"kind"`

	// Reason is a human-readable explanation (flag name, violation,
	// gate decision).
	Reason string `json:"reason,omitempty"`

	// At is when the transition occurred.
	At time.Time `json:"at"`
}

// Plan is an ordered set of phases.
type Plan struct {
	// Name identifies the plan.
	Name string `json:"name"`

	// Phases are the plan's phases.
	Phases []Spec `json:"phases"`
}

// Phase returns the spec for a phase number.
func (p *Plan) Phase(n int) (*Spec, error) {
	for i := range p.Phases {
		if p.Phases[i].Number == n {
			return &p.Phases[i], nil
		}
	}
	return nil, engine.NewNotFoundError(fmt.Sprintf("plan %q has no phase %d", p.Name, n))
}

// Initial returns the lowest phase number, the plan's entry point.
func (p *Plan) Initial() int {
	initial := p.Phases[0].Number
	for _, spec := range p.Phases[1:] {
		if spec.Number < initial {
			initial = spec.Number
		}
	}
	return initial
}

// Sequence returns the canonical phase numbers in ascending order.
func (p *Plan) Sequence() []int {
	seq := make([]int, len(p.Phases))
	for i, spec := range p.Phases {
		seq[i] = spec.Number
	}
	sort.Ints(seq)
	return seq
}

// Validate checks the plan's structural invariants: unique phase numbers,
// transitions referencing existing phases, forward-only Next and Parallel
// edges, and rollback targets no later than their phase.
func (p *Plan) Validate() error {
	if len(p.Phases) == 0 {
		return engine.NewValidationError("plan has no phases", nil)
	}

	numbers := make(map[int]bool, len(p.Phases))
	for _, spec := range p.Phases {
		if spec.Number < 0 {
			return engine.NewValidationError(
				fmt.Sprintf("phase %q has negative number %d", spec.Name, spec.Number), nil)
		}
		if numbers[spec.Number] {
			return engine.NewValidationError(
				fmt.Sprintf("duplicate phase number %d", spec.Number), nil)
		}
		numbers[spec.Number] = true
	}

	exists := func(n int) bool { return numbers[n] }

	for _, spec := range p.Phases {
		t := spec.Transitions

		if t.Next != Complete && !exists(t.Next) {
			return planErr(spec, "next transition targets unknown phase %d", t.Next)
		}
		if t.Next != Complete && t.Next < spec.Number {
			return planErr(spec, "next transition moves backward to phase %d", t.Next)
		}

		for flag, target := range t.OnFlag {
			if target != Complete && !exists(target) {
				return planErr(spec, "flag %q targets unknown phase %d", flag, target)
			}
		}

		if len(t.Parallel) > 0 {
			if len(t.Parallel) < 2 {
				return planErr(spec, "parallel transition needs at least two successors")
			}
			if !exists(t.Join) {
				return planErr(spec, "parallel join targets unknown phase %d", t.Join)
			}
			for _, member := range t.Parallel {
				if !exists(member) {
					return planErr(spec, "parallel member %d does not exist", member)
				}
				if member <= spec.Number {
					return planErr(spec, "parallel member %d is not a later phase", member)
				}
				memberSpec, _ := p.Phase(member)
				if memberSpec.Transitions.Next != t.Join {
					return planErr(spec, "parallel member %d does not converge on join phase %d", member, t.Join)
				}
			}
		}

		if t.Rollback > spec.Number {
			return planErr(spec, "rollback targets later phase %d", t.Rollback)
		}
		if !exists(t.Rollback) {
			return planErr(spec, "rollback targets unknown phase %d", t.Rollback)
		}

		if spec.Gate != nil {
			if spec.Gate.Name == "" {
				return planErr(spec, "gate has no name")
			}
			if spec.Gate.OnTimeout != "" {
				if err := spec.Gate.OnTimeout.Validate(); err != nil {
					return planErr(spec, "gate: %v", err)
				}
			}
		}
	}
	return nil
}

func planErr(spec Spec, format string, args ...interface{}) error {
	return engine.NewValidationError(
		fmt.Sprintf("phase %d (%s): %s", spec.Number, spec.Name, fmt.Sprintf(format, args...)), nil)
}

// Canonical phase numbers of the default plan.
const (
	PhaseAssessment = 0
	PhaseDesign     = 1
	PhaseCosting    = 2
	PhaseBuild      = 3
	PhaseDocs       = 4
	PhaseReview     = 5
	PhaseHandoff    = 6
)

// DefaultPlan returns the canonical delivery pipeline: assessment, design,
// costing (self-looping while cost is flagged too high), build and
// documentation in parallel converging on review behind an approval gate,
// then handoff.
func DefaultPlan() *Plan {
	return &Plan{
		Name: "delivery",
		Phases: []Spec{
			{
				Number:          PhaseAssessment,
				Name:            "assessment",
				Workflow:        "assessment",
				RequiredContext: []string{"requirements"},
				Transitions:     Transitions{Next: PhaseDesign, Rollback: PhaseAssessment},
			},
			{
				Number:      PhaseDesign,
				Name:        "design",
				Workflow:    "design",
				Transitions: Transitions{Next: PhaseCosting, Rollback: PhaseAssessment},
			},
			{
				Number:   PhaseCosting,
				Name:     "costing",
				Workflow: "costing",
				Transitions: Transitions{
					Next:     PhaseBuild,
					OnFlag:   map[string]int{policy.FlagCostTooHigh: PhaseCosting},
					Parallel: []int{PhaseBuild, PhaseDocs},
					Join:     PhaseReview,
					Rollback: PhaseDesign,
				},
			},
			{
				Number:      PhaseBuild,
				Name:        "build",
				Workflow:    "build",
				Transitions: Transitions{Next: PhaseReview, Rollback: PhaseCosting},
			},
			{
				Number:      PhaseDocs,
				Name:        "documentation",
				Workflow:    "documentation",
				Transitions: Transitions{Next: PhaseReview, Rollback: PhaseCosting},
			},
			{
				Number:   PhaseReview,
				Name:     "review",
				Workflow: "review",
				Gate: &GateSpec{
					Name:         "review-exit",
					ApproverRole: "release-manager",
					Timeout:      24 * time.Hour,
					OnTimeout:    engine.GateTimeoutBlock,
				},
				Transitions: Transitions{Next: PhaseHandoff, Rollback: PhaseDesign},
			},
			{
				Number:      PhaseHandoff,
				Name:        "handoff",
				Workflow:    "handoff",
				Transitions: Transitions{Next: Complete, Rollback: PhaseReview},
			},
		},
	}
}

package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block a phase exit.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that block the phase exit.
	SeverityError Severity = "error"

	// SeverityCritical is for findings that escalate the run to manual
	// intervention.
	SeverityCritical Severity = "critical"
)

// Policy is one exit or validation rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The package's "deny" set yields
	// violations; its "flags" set yields routing flags for conditional
	// phase transitions.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set
	// their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Phases restricts the policy to the listed phase numbers. Empty means
	// the policy applies to every phase.
	Phases []int `json:"phases,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// AppliesTo reports whether the policy evaluates at the given phase.
func (p *Policy) AppliesTo(phase int) bool {
	if len(p.Phases) == 0 {
		return true
	}
	for _, n := range p.Phases {
		if n == phase {
			return true
		}
	}
	return false
}

// Violation is a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Phase is the phase the violation was detected at.
	Phase int `json:"phase"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains additional violation details.
	Details map[string]interface{} `json:"details,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Blocking reports whether the violation blocks a phase exit.
func (v Violation) Blocking() bool {
	return v.Severity == SeverityError || v.Severity == SeverityCritical
}

// Result is the outcome of evaluating every applicable policy at a
// phase boundary.
type Result struct {
	// Allowed indicates whether the phase may exit: no error or critical
	// violations.
	Allowed bool `json:"allowed"`

	// Escalate indicates at least one critical violation: the run requires
	// manual intervention rather than a retry or rollback.
	Escalate bool `json:"escalate"`

	// Violations lists all blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// Flags lists routing flags raised by the policies, deduplicated.
	// The phase machine maps flags to conditional successors.
	Flags []string `json:"flags,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// HasFlag reports whether the evaluation raised the named flag.
func (r *Result) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Input is the data a phase-boundary evaluation sees.
type Input struct {
	// Phase is the phase number being exited.
	Phase int `json:"phase"`

	// PhaseName is the phase's display name.
	PhaseName string `json:"phase_name,omitempty"`

	// Artifacts maps step id to the validated output of each succeeded
	// step of the phase's workflow run. Always serialized: presence rules
	// like count(input.artifacts) == 0 must see an empty object, not an
	// absent field.
	Artifacts map[string]interface{} `json:"artifacts"`

	// Context is the accumulated run context carried across phases.
	Context map[string]interface{} `json:"context,omitempty"`

	// Run summarizes the phase's workflow run.
	Run *RunSummary `json:"run,omitempty"`
}

// RunSummary is the slice of a run result that policies inspect.
type RunSummary struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Status is the terminal run status.
	Status string `json:"status"`

	// FailedSteps lists the ids of failed steps.
	FailedSteps []string `json:"failed_steps,omitempty"`

	// SkippedSteps lists the ids of skipped steps.
	SkippedSteps []string `json:"skipped_steps,omitempty"`
}

package policy

import (
	"time"
)

// Flag names raised by the built-in policies. The default phase plan maps
// these to conditional successors.
const (
	// FlagCostTooHigh routes the costing phase back to itself for
	// re-assessment instead of forward.
	FlagCostTooHigh = "cost_too_high"

	// FlagReviewFindings signals open review findings.
	FlagReviewFindings = "review_findings"
)

// BuiltinPolicies returns the policies shipped with the engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		runIntegrityPolicy(),
		artifactPresencePolicy(),
		costThresholdPolicy(),
		reviewApprovalPolicy(),
		documentationCoveragePolicy(),
	}
}

// runIntegrityPolicy blocks phase exit when the phase's workflow run did
// not succeed. An aborted run is critical: the phase escalates rather than
// retries.
func runIntegrityPolicy() Policy {
	return Policy{
		Name:        "run-integrity",
		Description: "Blocks phase exit unless the phase workflow run succeeded",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"exit", "integrity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stagecoach.policies.integrity

import rego.v1

deny contains violation if {
	input.run.status == "failed"
	violation := {
		"message": sprintf("run %s was aborted", [input.run.run_id]),
		"severity": "critical",
	}
}

deny contains violation if {
	input.run.status == "cancelled"
	violation := {
		"message": sprintf("run %s was cancelled", [input.run.run_id]),
		"severity": "error",
	}
}

deny contains violation if {
	input.run.status == "partial"
	count(input.run.failed_steps) > 0
	violation := {
		"message": sprintf("run %s has failed steps: %v", [input.run.run_id, input.run.failed_steps]),
		"severity": "error",
	}
}
`,
	}
}

// artifactPresencePolicy requires at least one artifact before a phase may
// exit forward.
func artifactPresencePolicy() Policy {
	return Policy{
		Name:        "artifact-presence",
		Description: "Requires at least one step artifact before phase exit",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"exit", "artifacts"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stagecoach.policies.artifacts

import rego.v1

deny contains violation if {
	count(input.artifacts) == 0
	violation := {
		"message": sprintf("phase %d produced no artifacts", [input.phase]),
		"severity": "error",
	}
}
`,
	}
}

// costThresholdPolicy raises the cost_too_high flag when any estimate
// artifact exceeded its budget. It never blocks on its own: the flag routes
// the phase back for re-assessment.
func costThresholdPolicy() Policy {
	return Policy{
		Name:        "cost-threshold",
		Description: "Flags cost overruns for re-assessment routing",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"exit", "cost"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stagecoach.policies.cost

import rego.v1

flags contains "cost_too_high" if {
	some artifact in input.artifacts
	artifact.within_budget == false
}

flags contains "cost_too_high" if {
	some artifact in input.artifacts
	budget := input.context.budget
	artifact.estimated_cost > budget
}
`,
	}
}

// reviewApprovalPolicy blocks exit from a review phase while findings are
// open or approval is withheld.
func reviewApprovalPolicy() Policy {
	return Policy{
		Name:        "review-approval",
		Description: "Blocks phase exit while review findings are open",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"exit", "review"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stagecoach.policies.review

import rego.v1

deny contains violation if {
	some artifact in input.artifacts
	artifact.approved == false
	violation := {
		"message": "review withheld approval",
		"severity": "error",
		"details": {"findings": artifact.findings},
	}
}

flags contains "review_findings" if {
	some artifact in input.artifacts
	count(artifact.findings) > 0
}
`,
	}
}

// documentationCoveragePolicy warns when documentation lags behind
// produced artifacts. Warnings never block exit.
func documentationCoveragePolicy() Policy {
	return Policy{
		Name:        "documentation-coverage",
		Description: "Warns when fewer documents than artifacts were produced",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"exit", "documentation"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stagecoach.policies.documentation

import rego.v1

deny contains violation if {
	some doc_artifact in input.artifacts
	docs := doc_artifact.documents
	some build_artifact in input.artifacts
	built := build_artifact.artifacts
	count(docs) < count(built)
	violation := {
		"message": sprintf("%d documents cover %d artifacts", [count(docs), count(built)]),
		"severity": "warning",
	}
}
`,
	}
}

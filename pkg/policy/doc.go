// Package policy evaluates phase-exit and validation-gate rules written in
// Rego (Open Policy Agent).
//
// A policy's "deny" set yields violations; error and critical violations
// block a phase exit, and a critical violation escalates the run. The
// "flags" set yields routing flags that the phase state machine maps to
// conditional successors, e.g. a cost overrun flag routing the costing
// phase back to itself for re-assessment.
//
// The engine ships with built-in policies covering run integrity, artifact
// presence, cost thresholds, review approval, and documentation coverage.
// Additional policies load from .rego or .json files via the Loader and
// may be restricted to specific phases.
//
// Evaluation input shape:
//
//	{
//	  "phase": 2,
//	  "phase_name": "costing",
//	  "artifacts": {"<step id>": <validated output>, ...},
//	  "context": {"budget": 500, ...},
//	  "run": {"run_id": "...", "status": "succeeded", "failed_steps": []}
//	}
package policy

// Package phase drives multi-phase delivery plans. A Plan is an ordered set
// of phases, each backed by a workflow definition; the Machine walks the plan
// by validating entry context, running the phase's workflow, evaluating exit
// policies, and routing the transition the plan prescribes.
//
// Transitions come in six shapes: linear to the next phase, conditional on a
// policy flag, parallel fan-out converging on a join barrier, rollback to an
// earlier phase on a blocked exit or rejected gate, escalation to manual
// intervention, and completion. Approval gates are delegated to the message
// bus; the machine opens a gate after a phase's workflow and policies pass,
// then waits for an operator decision before moving forward.
package phase

package engine

import (
	"encoding/json"
	"fmt"
)

// StepStatus represents the state of a workflow step during execution.
type StepStatus string

const (
	// StepStatusWaiting indicates the step's dependencies are not yet satisfied.
	StepStatusWaiting StepStatus = "waiting"

	// StepStatusReady indicates all dependencies are satisfied and the guard passed.
	StepStatusReady StepStatus = "ready"

	// StepStatusRunning indicates the step has been dispatched and is executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed with a validated output.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step exhausted its error handling.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was not executed: its guard was
	// false, a dependency it references failed, or the run was aborted.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusWaiting, StepStatusReady, StepStatusRunning,
		StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// RunStatus represents the overall status of a workflow run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is executing steps.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every step reached succeeded or was
	// skipped by a false guard.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one step failed terminally.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run's cancellation token fired.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates a mix of succeeded and failed steps under a
	// continue error strategy.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// AttemptStatus represents the state of a single unit invocation.
type AttemptStatus string

const (
	// AttemptStatusPending indicates the invocation has not started.
	AttemptStatusPending AttemptStatus = "pending"

	// AttemptStatusRunning indicates the invocation is in flight.
	AttemptStatusRunning AttemptStatus = "running"

	// AttemptStatusSucceeded indicates the invocation produced a validated output.
	AttemptStatusSucceeded AttemptStatus = "succeeded"

	// AttemptStatusFailed indicates the invocation failed terminally.
	AttemptStatusFailed AttemptStatus = "failed"

	// AttemptStatusTimedOut indicates the invocation exceeded its bound on
	// the final attempt.
	AttemptStatusTimedOut AttemptStatus = "timed_out"
)

// IsTerminal returns true if the attempt status represents a final state.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusSucceeded || s == AttemptStatusFailed || s == AttemptStatusTimedOut
}

// Validate checks if the attempt status is valid.
func (s AttemptStatus) Validate() error {
	switch s {
	case AttemptStatusPending, AttemptStatusRunning, AttemptStatusSucceeded,
		AttemptStatusFailed, AttemptStatusTimedOut:
		return nil
	default:
		return fmt.Errorf("invalid attempt status: %s", s)
	}
}

// Priority is the delivery tier of an envelope. Envelopes are dequeued
// strictly by tier, FIFO within a tier.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists all tiers from highest to lowest.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Tier returns the numeric rank of the priority, 0 being highest.
func (p Priority) Tier() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// Validate checks if the priority is valid.
func (p Priority) Validate() error {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return nil
	default:
		return fmt.Errorf("invalid priority: %s", p)
	}
}

// ErrorStrategy is a step's error-handling strategy.
type ErrorStrategy string

const (
	// ErrorStrategyStop aborts the entire run; waiting and ready steps are skipped.
	ErrorStrategyStop ErrorStrategy = "stop"

	// ErrorStrategyContinue marks the step failed and proceeds with
	// dependents that do not reference its output.
	ErrorStrategyContinue ErrorStrategy = "continue"

	// ErrorStrategyRetry re-enters ready up to the workflow-level retry
	// ceiling, which is layered on top of the unit's own attempt budget.
	ErrorStrategyRetry ErrorStrategy = "retry"
)

// Validate checks if the error strategy is valid.
func (s ErrorStrategy) Validate() error {
	switch s {
	case ErrorStrategyStop, ErrorStrategyContinue, ErrorStrategyRetry:
		return nil
	default:
		return fmt.Errorf("invalid error strategy: %s", s)
	}
}

// GateStatus is the resolution state of an approval gate.
type GateStatus string

const (
	GateStatusPending  GateStatus = "pending"
	GateStatusApproved GateStatus = "approved"
	GateStatusRejected GateStatus = "rejected"
)

// Resolved returns true once the gate has been decided.
func (s GateStatus) Resolved() bool {
	return s == GateStatusApproved || s == GateStatusRejected
}

// GateTimeoutBehavior is what an unresolved gate does when its timeout fires.
type GateTimeoutBehavior string

const (
	// GateTimeoutBlock leaves the phase halted until an operator resolves the gate.
	GateTimeoutBlock GateTimeoutBehavior = "block"

	// GateTimeoutUseDefault substitutes the gate's default resolution and proceeds.
	GateTimeoutUseDefault GateTimeoutBehavior = "use_default"

	// GateTimeoutSkip releases held envelopes without an approval decision.
	GateTimeoutSkip GateTimeoutBehavior = "skip"
)

// Validate checks if the timeout behavior is valid.
func (b GateTimeoutBehavior) Validate() error {
	switch b {
	case GateTimeoutBlock, GateTimeoutUseDefault, GateTimeoutSkip:
		return nil
	default:
		return fmt.Errorf("invalid gate timeout behavior: %s", b)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

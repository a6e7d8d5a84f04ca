package engine

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is a named, ordered set of steps forming a DAG via
// explicit dependencies and binding references.
type WorkflowDefinition struct {
	// Name identifies the workflow.
	Name string `json:"name"`

	// Phase is the phase number this workflow executes under. It determines
	// the delivery priority of dispatched envelopes.
	Phase int `json:"phase"`

	// Steps are the workflow's steps. Order is preserved from the
	// definition file but execution order is derived from the DAG.
	Steps []Step `json:"steps"`

	// Metadata contains additional definition metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Step is one unit-of-work invocation inside a workflow.
type Step struct {
	// ID uniquely identifies the step within its workflow.
	ID string `json:"id"`

	// Unit is the name of the registered unit-of-work to invoke.
	Unit string `json:"unit"`

	// Inputs are per-field bindings: literal values, "$steps.<id>.output.<path>"
	// references into a prior step's validated output, or "$input.<path>"
	// references into the workflow input.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// DependsOn lists explicit step dependencies. Edges implied by bindings
	// are added during compilation.
	DependsOn []string `json:"dependsOn,omitempty"`

	// Guard is an optional Starlark expression; the step executes only if it
	// evaluates true. Guards see the workflow input and prior step outputs.
	Guard string `json:"guard,omitempty"`

	// OnError is the step's error-handling strategy (stop, continue, retry).
	OnError ErrorStrategy `json:"onError"`

	// Retries is the workflow-level retry ceiling used by the retry
	// strategy. It is independent of the unit's internal attempt budget.
	Retries int `json:"retries,omitempty"`
}

// Graph is the compiled dependency graph of a workflow definition.
type Graph struct {
	// Nodes maps step ids to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Order is a topological order over all steps, dependency-first.
	Order []string `json:"order"`

	// Roots are the step ids with no dependencies.
	Roots []string `json:"roots"`
}

// GraphNode is one step in the compiled graph.
type GraphNode struct {
	// ID is the step id.
	ID string `json:"id"`

	// Dependencies are the incoming edges (steps this one waits for),
	// explicit and binding-implied, deduplicated.
	Dependencies []string `json:"dependencies"`

	// Dependents are the outgoing edges (steps waiting on this one).
	Dependents []string `json:"dependents"`

	// Refs are the step ids whose output this step's bindings or guard
	// dereference. A dependent with a ref on a failed step is skipped under
	// the continue strategy; a dependent with only an ordering edge is not.
	Refs []string `json:"refs,omitempty"`
}

// ExecutionRecord is the audit record of one unit invocation. It is
// append-only: once Status is terminal the record is never mutated.
type ExecutionRecord struct {
	// RunID is the workflow run this record belongs to.
	RunID string `json:"run_id"`

	// StepID is the workflow step that triggered the invocation.
	StepID string `json:"step_id"`

	// Unit is the unit-of-work name.
	Unit string `json:"unit"`

	// Status is the invocation state.
	Status AttemptStatus `json:"status"`

	// Attempts is the number of attempts consumed, including the final one.
	Attempts int `json:"attempts"`

	// StartedAt is when the first attempt started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the invocation reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Input is the validated input snapshot.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the validated output snapshot, present on success.
	Output json.RawMessage `json:"output,omitempty"`

	// Error is the final structured error detail, present on failure.
	Error *Error `json:"error,omitempty"`

	// History records every attempt transition in order: per-attempt start,
	// timeout, retry, and the terminal outcome.
	History []AttemptEvent `json:"history,omitempty"`
}

// AttemptEvent is one entry in an execution record's attempt history.
type AttemptEvent struct {
	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`

	// Kind is the transition: start, timeout, retry, success, failure.
	Kind string `json:"kind"`

	// Timestamp is when the transition occurred.
	Timestamp time.Time `json:"timestamp"`

	// Detail is an optional human-readable note (e.g. the timeout bound hit).
	Detail string `json:"detail,omitempty"`
}

// StepResult is the terminal result of one workflow step.
type StepResult struct {
	// StepID is the step id.
	StepID string `json:"step_id"`

	// Status is the terminal step status.
	Status StepStatus `json:"status"`

	// Output is the validated output, present when Status is succeeded.
	Output json.RawMessage `json:"output,omitempty"`

	// Error is the terminal error, present when Status is failed.
	Error *Error `json:"error,omitempty"`

	// Attempts is the total workflow-level dispatch count for the step.
	Attempts int `json:"attempts"`
}

// RunResult is the aggregated output of a workflow run: every terminal step
// id mapped to its status and validated output. It is handed to the phase
// state machine as the phase's artifact set.
type RunResult struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Workflow is the definition name.
	Workflow string `json:"workflow"`

	// Phase is the phase the run executed under.
	Phase int `json:"phase"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Steps maps step id to terminal result.
	Steps map[string]*StepResult `json:"steps"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt time.Time `json:"completed_at"`
}

// Artifacts returns the validated outputs of all succeeded steps keyed by
// step id, decoded for consumption by guard expressions and exit policies.
func (r *RunResult) Artifacts() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Steps))
	for id, sr := range r.Steps {
		if sr.Status != StepStatusSucceeded || len(sr.Output) == 0 {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(sr.Output, &v); err == nil {
			out[id] = v
		}
	}
	return out
}

// Envelope is one message traveling through the bus. Ownership transfers
// from producer to bus to consumer atomically; exactly one consumer
// processes a given envelope at a time.
type Envelope struct {
	// ID uniquely identifies the envelope.
	ID string `json:"id"`

	// Destination is the unit-of-work name the envelope is addressed to.
	Destination string `json:"destination"`

	// Phase is the phase number the envelope belongs to.
	Phase int `json:"phase"`

	// Priority is the delivery tier.
	Priority Priority `json:"priority"`

	// Payload is the message body.
	Payload json.RawMessage `json:"payload"`

	// CorrelationID ties the envelope to its workflow run.
	CorrelationID string `json:"correlation_id"`

	// Attempt is the delivery attempt count, starting at 1 on first delivery.
	Attempt int `json:"attempt"`

	// EnqueuedAt is when the envelope first entered the bus.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeadLetterEntry is an envelope that exhausted its delivery budget,
// annotated with its failure history and a replay token. Entries are never
// auto-deleted; removal requires explicit operator replay or expiry.
type DeadLetterEntry struct {
	// Envelope is the parked message.
	Envelope Envelope `json:"envelope"`

	// Reason is the final failure reason.
	Reason string `json:"reason"`

	// Failures records the error of each failed delivery in order.
	Failures []string `json:"failures"`

	// ReplayToken authorizes an operator replay of this entry.
	ReplayToken string `json:"replay_token"`

	// DeadLetteredAt is when the entry was parked.
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// ApprovalGate is a human-in-the-loop checkpoint tied to a phase transition.
// A gate is created when its phase reaches its exit condition and is
// resolved exactly once.
type ApprovalGate struct {
	// Name identifies the gate.
	Name string `json:"name"`

	// Phase is the phase whose exit the gate protects.
	Phase int `json:"phase"`

	// Status is the resolution state.
	Status GateStatus `json:"status"`

	// ApproverRole is the role required to resolve the gate.
	ApproverRole string `json:"approver_role"`

	// Timeout bounds how long the gate may stay pending.
	Timeout time.Duration `json:"timeout"`

	// OnTimeout is the behavior applied when the timeout fires.
	OnTimeout GateTimeoutBehavior `json:"on_timeout"`

	// Default is the resolution substituted by the use_default behavior.
	Default GateStatus `json:"default,omitempty"`

	// CreatedAt is when the gate was opened.
	CreatedAt time.Time `json:"created_at"`

	// ResolvedAt is when the gate was decided.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// ResolvedBy records the approver, or "timeout" for a timed-out gate.
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// StepPayload is the body of an envelope dispatching one workflow step.
type StepPayload struct {
	// RunID is the workflow run the step belongs to.
	RunID string `json:"run_id"`

	// StepID is the step being dispatched.
	StepID string `json:"step_id"`

	// Input is the step's resolved, bound input.
	Input json.RawMessage `json:"input"`
}

// Config carries the engine's tunables. It is immutable after construction
// and passed explicitly; nothing reads ambient global state.
type Config struct {
	// MaxConcurrency bounds the number of steps executing at once.
	MaxConcurrency int `json:"max_concurrency" validate:"gte=0"`

	// DefaultStepTimeout bounds a single unit attempt when the unit's
	// definition does not set one.
	DefaultStepTimeout time.Duration `json:"default_step_timeout"`

	// DefaultRetries is the workflow-level retry ceiling applied to steps
	// using the retry strategy without an explicit ceiling.
	DefaultRetries int `json:"default_retries" validate:"gte=0"`

	// GuardTimeout bounds guard expression evaluation.
	GuardTimeout time.Duration `json:"guard_timeout"`

	// PhasePriorities maps phase numbers to delivery tiers. Phases without
	// an entry dispatch at normal priority.
	PhasePriorities map[int]Priority `json:"phase_priorities,omitempty"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     8,
		DefaultStepTimeout: 30 * time.Second,
		DefaultRetries:     2,
		GuardTimeout:       5 * time.Second,
	}
}

// PriorityForPhase resolves the delivery tier for a phase.
func (c Config) PriorityForPhase(phase int) Priority {
	if p, ok := c.PhasePriorities[phase]; ok {
		return p
	}
	return PriorityNormal
}

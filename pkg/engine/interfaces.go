package engine

import (
	"context"
	"encoding/json"
)

// DeliveryHandler consumes one envelope. Returning nil acknowledges the
// delivery; returning an error negatively acknowledges it and the bus
// applies its redelivery policy.
type DeliveryHandler func(ctx context.Context, env *Envelope) error

// MessageBus is the asynchronous, priority-ordered, phase-aware delivery
// substrate between the engine and units of work. Implemented by pkg/bus.
type MessageBus interface {
	// Publish enqueues an envelope for delivery.
	Publish(ctx context.Context, env *Envelope) error

	// Subscribe registers the handler for envelopes addressed to the named
	// unit. At most one handler per unit; re-subscribing replaces it.
	Subscribe(unit string, handler DeliveryHandler) error

	// Close drains the bus and stops delivery.
	Close() error
}

// StepExecutor runs one invocation of a named unit through its full
// contract: input validation, execution with timeout and retry, output
// validation. The returned record carries the attempt history regardless of
// outcome. Implemented by pkg/registry.
type StepExecutor interface {
	ExecuteUnit(ctx context.Context, unit string, payload StepPayload) (json.RawMessage, *ExecutionRecord, error)
}

// UnitResolver answers the engine's compile-time questions about registered
// units. Implemented by pkg/registry.
type UnitResolver interface {
	// Exists reports whether a unit with the given name is registered.
	Exists(name string) bool

	// Dependencies returns the unit's declared dependency names.
	Dependencies(name string) []string

	// AcceptsPhase reports whether the unit's phase affinity includes the
	// given phase. Units with no affinity are phase-agnostic.
	AcceptsPhase(name string, phase int) bool
}

// RunStore persists run results and execution records for the audit trail.
// Records are append-only: a record with a terminal status is never updated.
type RunStore interface {
	SaveRun(ctx context.Context, result *RunResult) error
	SaveRecord(ctx context.Context, record *ExecutionRecord) error
}

// NopRunStore discards everything. Used when persistence is not configured.
type NopRunStore struct{}

// SaveRun implements RunStore.
func (NopRunStore) SaveRun(context.Context, *RunResult) error { return nil }

// SaveRecord implements RunStore.
func (NopRunStore) SaveRecord(context.Context, *ExecutionRecord) error { return nil }

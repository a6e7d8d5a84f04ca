package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

// Definition describes a unit of work: its identity, schema contract,
// declared dependencies, capability tags, and phase affinities. A
// definition is immutable once registered.
type Definition struct {
	// Name is the unique unit name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Description is a human-readable summary of what the unit produces.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// InputSchema is the JSON Schema (2020-12) the input must satisfy.
	InputSchema json.RawMessage `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`

	// OutputSchema is the JSON Schema (2020-12) the output must satisfy.
	OutputSchema json.RawMessage `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`

	// Dependencies names other units whose workflow usage must complete
	// before this one runs.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Capabilities are free-form discovery tags.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// PhaseAffinity lists the phases this unit accepts work for. Empty
	// means phase-agnostic.
	PhaseAffinity []int `json:"phaseAffinity,omitempty" yaml:"phaseAffinity,omitempty"`
}

// AcceptsPhase reports whether the unit accepts work for the given phase.
// A unit with no affinity is phase-agnostic and accepts every phase.
func (d Definition) AcceptsPhase(phase int) bool {
	if len(d.PhaseAffinity) == 0 {
		return true
	}
	for _, p := range d.PhaseAffinity {
		if p == phase {
			return true
		}
	}
	return false
}

// HasCapability reports whether the unit carries the given capability tag.
func (d Definition) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Agent is the unit-of-work contract. Implementations perform the actual
// work of one named unit; the Runner wraps every invocation with
// validation, timeout, and retry handling.
//
// Initialize acquires scoped resources (e.g. external tool clients) and
// must be idempotent under retry. Cleanup releases them and is guaranteed
// to run on all exit paths.
type Agent interface {
	// Definition returns the unit's immutable definition.
	Definition() Definition

	// Initialize acquires scoped resources before the first execution.
	Initialize(ctx context.Context, config map[string]interface{}) error

	// ValidateInput checks the payload against the declared input schema.
	ValidateInput(input json.RawMessage) error

	// Execute performs the work. It must honor ctx cancellation.
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

	// ValidateOutput checks the result against the declared output schema.
	ValidateOutput(output json.RawMessage) error

	// Cleanup releases resources acquired by Initialize.
	Cleanup(ctx context.Context) error
}

// ToolClient is the seam through which an agent reaches an external
// service. The engine never sees the transport; it only requires that
// Initialize and Cleanup bracket the client's lifetime.
type ToolClient interface {
	// Name identifies the client for logging.
	Name() string

	// Call invokes a named method on the external service.
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

	// Close releases the client.
	Close() error
}

// Base provides the schema-driven parts of the Agent contract. Concrete
// agents embed it and implement Execute.
type Base struct {
	def          Definition
	inputSchema  *Schema
	outputSchema *Schema
}

// NewBase compiles the definition's schemas and returns the shared
// contract implementation.
func NewBase(def Definition) (*Base, error) {
	in, err := CompileSchema(def.Name+"/input", def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("compiling input schema for %s: %w", def.Name, err)
	}
	out, err := CompileSchema(def.Name+"/output", def.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("compiling output schema for %s: %w", def.Name, err)
	}
	return &Base{def: def, inputSchema: in, outputSchema: out}, nil
}

// Definition returns the unit's definition.
func (b *Base) Definition() Definition { return b.def }

// Initialize is a no-op; agents holding external clients override it.
func (b *Base) Initialize(ctx context.Context, config map[string]interface{}) error {
	return nil
}

// ValidateInput checks the payload against the declared input schema.
func (b *Base) ValidateInput(input json.RawMessage) error {
	return attachUnit(b.inputSchema.Validate(input), b.def.Name)
}

// ValidateOutput checks the result against the declared output schema.
func (b *Base) ValidateOutput(output json.RawMessage) error {
	return attachUnit(b.outputSchema.Validate(output), b.def.Name)
}

func attachUnit(err error, unit string) error {
	if err == nil {
		return nil
	}
	var e *engine.Error
	if errors.As(err, &e) {
		return e.WithUnit(unit)
	}
	return err
}

// Cleanup is a no-op; agents holding external clients override it.
func (b *Base) Cleanup(ctx context.Context) error { return nil }

package agent

import (
	"context"
	"encoding/json"
)

// ExecuteFunc is the work function adapted by NewFunc.
type ExecuteFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// funcAgent adapts a plain function into an Agent. Validation comes from
// the definition's schemas; Initialize and Cleanup are no-ops.
type funcAgent struct {
	*Base
	fn ExecuteFunc
}

// NewFunc wraps an execute function in the full Agent contract.
func NewFunc(def Definition, fn ExecuteFunc) (Agent, error) {
	base, err := NewBase(def)
	if err != nil {
		return nil, err
	}
	return &funcAgent{Base: base, fn: fn}, nil
}

func (f *funcAgent) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f.fn(ctx, input)
}

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	stepsRefPrefix = "$steps."
	inputRefPrefix = "$input"
)

// BindingContext holds the values binding references dereference into: the
// workflow input and the validated outputs of terminal steps.
type BindingContext struct {
	// Input is the decoded workflow input.
	Input map[string]interface{}

	// Outputs maps step id to that step's decoded validated output.
	Outputs map[string]interface{}
}

// NewBindingContext decodes the workflow input once for reuse across steps.
func NewBindingContext(input json.RawMessage) (*BindingContext, error) {
	bc := &BindingContext{
		Input:   map[string]interface{}{},
		Outputs: make(map[string]interface{}),
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &bc.Input); err != nil {
			return nil, NewValidationError("workflow input is not a JSON object", err)
		}
	}
	return bc, nil
}

// AddOutput records a step's validated output for later dereferencing.
func (bc *BindingContext) AddOutput(stepID string, output json.RawMessage) error {
	if len(output) == 0 {
		bc.Outputs[stepID] = nil
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(output, &v); err != nil {
		return NewInternalError(fmt.Sprintf("output of step %s is not valid JSON", stepID), err)
	}
	bc.Outputs[stepID] = v
	return nil
}

// Resolve materializes a step's input bindings against the context. Literal
// values pass through; "$steps.<id>.output.<path>" and "$input.<path>"
// references are dereferenced. A missing reference is a BindingError.
func (bc *BindingContext) Resolve(step *Step) (json.RawMessage, error) {
	resolved := make(map[string]interface{}, len(step.Inputs))
	for field, value := range step.Inputs {
		v, err := bc.resolveValue(value)
		if err != nil {
			var e *Error
			if errors.As(err, &e) {
				e.Step = step.ID
			}
			return nil, err
		}
		resolved[field] = v
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, NewInternalError("failed to encode resolved input", err).WithStep(step.ID)
	}
	return raw, nil
}

func (bc *BindingContext) resolveValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return bc.resolveString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			r, err := bc.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			r, err := bc.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (bc *BindingContext) resolveString(s string) (interface{}, error) {
	switch {
	case strings.HasPrefix(s, stepsRefPrefix):
		rest := strings.TrimPrefix(s, stepsRefPrefix)
		parts := strings.Split(rest, ".")
		if len(parts) < 2 || parts[1] != "output" {
			return nil, NewBindingError(fmt.Sprintf("malformed step reference: %s", s), nil)
		}
		stepID := parts[0]
		output, ok := bc.Outputs[stepID]
		if !ok {
			return nil, NewBindingError(fmt.Sprintf("reference %s: step %s has no output", s, stepID), nil)
		}
		return derefPath(output, parts[2:], s)
	case s == inputRefPrefix:
		return bc.Input, nil
	case strings.HasPrefix(s, inputRefPrefix+"."):
		path := strings.Split(strings.TrimPrefix(s, inputRefPrefix+"."), ".")
		return derefPath(bc.Input, path, s)
	default:
		return s, nil
	}
}

// derefPath walks a dot-path through decoded JSON. Map keys and numeric
// slice indices are supported.
func derefPath(v interface{}, path []string, ref string) (interface{}, error) {
	cur := v
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, NewBindingError(fmt.Sprintf("reference %s: missing field %q", ref, seg), nil)
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, NewBindingError(fmt.Sprintf("reference %s: bad index %q", ref, seg), nil)
			}
			cur = node[idx]
		default:
			return nil, NewBindingError(fmt.Sprintf("reference %s: cannot descend into %T at %q", ref, cur, seg), nil)
		}
	}
	return cur, nil
}

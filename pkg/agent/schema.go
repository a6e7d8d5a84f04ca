package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

// Schema is a compiled JSON Schema (2020-12). A nil Schema is permissive
// and accepts every payload, so units may omit a contract side.
type Schema struct {
	compiled *jsonschema.Schema
}

// CompileSchema compiles a raw JSON Schema document. An empty document
// yields a nil, permissive schema.
func CompileSchema(name string, raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	url := fmt.Sprintf("schema://%s.json", name)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid schema document: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// Validate checks a JSON payload against the schema. Violations are
// returned as a ValidationError carrying the structured violation list.
func (s *Schema) Validate(payload json.RawMessage) error {
	if s == nil || s.compiled == nil {
		return nil
	}

	var value interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &value); err != nil {
			return engine.NewValidationError("payload is not valid JSON", err)
		}
	}

	if err := s.compiled.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return engine.NewValidationError("payload does not satisfy schema", err).
				WithDetail("violations", flattenViolations(ve))
		}
		return engine.NewValidationError("payload does not satisfy schema", err)
	}
	return nil
}

// Violation is one schema violation in a structured error list.
type Violation struct {
	// InstanceLocation is the JSON pointer into the payload.
	InstanceLocation string `json:"instanceLocation"`

	// KeywordLocation is the JSON pointer into the schema.
	KeywordLocation string `json:"keywordLocation"`

	// Message describes the violation.
	Message string `json:"message"`
}

// flattenViolations converts the validator's error tree into the flat
// list users see in error details.
func flattenViolations(ve *jsonschema.ValidationError) []Violation {
	out := ve.BasicOutput()
	violations := make([]Violation, 0, len(out.Errors))
	for _, e := range out.Errors {
		if e.Error == "" {
			continue
		}
		violations = append(violations, Violation{
			InstanceLocation: e.InstanceLocation,
			KeywordLocation:  e.KeywordLocation,
			Message:          e.Error,
		})
	}
	return violations
}

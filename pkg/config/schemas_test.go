package config

import (
	"testing"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

func TestBuiltinSchemasRegistered(t *testing.T) {
	sr := NewSchemaRegistry()
	names := sr.Schemas()
	found := map[string]bool{}
	for _, name := range names {
		found[name] = true
	}
	if !found["workflow"] || !found["plan"] {
		t.Fatalf("schemas = %v, want workflow and plan", names)
	}
}

func TestValidateWorkflowShape(t *testing.T) {
	sr := NewSchemaRegistry()

	ok := map[string]interface{}{
		"name": "deploy",
		"steps": []interface{}{
			map[string]interface{}{"id": "build", "unit": "builder"},
		},
	}
	if err := sr.Validate("workflow", ok); err != nil {
		t.Errorf("valid workflow rejected: %v", err)
	}

	missingUnit := map[string]interface{}{
		"name": "deploy",
		"steps": []interface{}{
			map[string]interface{}{"id": "build"},
		},
	}
	if err := sr.Validate("workflow", missingUnit); err == nil {
		t.Error("workflow with unitless step accepted")
	}

	badName := map[string]interface{}{
		"name": "not valid!",
		"steps": []interface{}{
			map[string]interface{}{"id": "build", "unit": "builder"},
		},
	}
	if err := sr.Validate("workflow", badName); err == nil {
		t.Error("workflow with invalid name accepted")
	}
}

func TestValidateUnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.Validate("nope", map[string]interface{}{}); !engine.IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestRegisterSchemaRequiresDefinition(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("custom", `#Schema: {kind: string}`); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}
	if err := sr.RegisterSchema("broken", `kind: string`); !engine.IsValidation(err) {
		t.Errorf("schema without #Schema accepted: %v", err)
	}
	if err := sr.RegisterSchema("invalid", `#Schema: {kind: string &}`); !engine.IsValidation(err) {
		t.Errorf("malformed CUE accepted: %v", err)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newContext(t *testing.T, input string) *BindingContext {
	t.Helper()
	bc, err := NewBindingContext(json.RawMessage(input))
	if err != nil {
		t.Fatalf("NewBindingContext() error: %v", err)
	}
	return bc
}

func resolveStep(t *testing.T, bc *BindingContext, inputs map[string]interface{}) map[string]interface{} {
	t.Helper()
	raw, err := bc.Resolve(&Step{ID: "s", Inputs: inputs})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal resolved input: %v", err)
	}
	return out
}

func TestResolveLiteralsPassThrough(t *testing.T) {
	bc := newContext(t, `{}`)
	out := resolveStep(t, bc, map[string]interface{}{
		"name":  "plain string",
		"count": 3,
		"flag":  true,
	})
	if out["name"] != "plain string" {
		t.Errorf("name = %v", out["name"])
	}
	if out["count"] != float64(3) {
		t.Errorf("count = %v", out["count"])
	}
	if out["flag"] != true {
		t.Errorf("flag = %v", out["flag"])
	}
}

func TestResolveInputReferences(t *testing.T) {
	bc := newContext(t, `{"env": "prod", "limits": {"cpu": 4}}`)
	out := resolveStep(t, bc, map[string]interface{}{
		"env": "$input.env",
		"cpu": "$input.limits.cpu",
		"all": "$input",
	})
	if out["env"] != "prod" {
		t.Errorf("env = %v", out["env"])
	}
	if out["cpu"] != float64(4) {
		t.Errorf("cpu = %v", out["cpu"])
	}
	if _, ok := out["all"].(map[string]interface{}); !ok {
		t.Errorf("$input did not resolve to the whole input: %v", out["all"])
	}
}

func TestResolveStepOutputReferences(t *testing.T) {
	bc := newContext(t, `{}`)
	if err := bc.AddOutput("A", json.RawMessage(`{"items": [{"id": "x"}, {"id": "y"}]}`)); err != nil {
		t.Fatalf("AddOutput() error: %v", err)
	}
	out := resolveStep(t, bc, map[string]interface{}{
		"second": "$steps.A.output.items.1.id",
		"nested": map[string]interface{}{"list": []interface{}{"$steps.A.output.items.0.id"}},
	})
	if out["second"] != "y" {
		t.Errorf("second = %v, want y", out["second"])
	}
	nested := out["nested"].(map[string]interface{})
	list := nested["list"].([]interface{})
	if len(list) != 1 || list[0] != "x" {
		t.Errorf("nested list = %v, want [x]", list)
	}
}

func TestResolveMissingReferenceIsBindingError(t *testing.T) {
	bc := newContext(t, `{}`)
	if err := bc.AddOutput("A", json.RawMessage(`{"v": 1}`)); err != nil {
		t.Fatalf("AddOutput() error: %v", err)
	}

	cases := map[string]string{
		"absent step":   "$steps.B.output.v",
		"absent field":  "$steps.A.output.nope",
		"absent input":  "$input.nothing",
		"bad index":     "$steps.A.output.v.5",
		"malformed ref": "$steps.A.v",
	}
	for name, ref := range cases {
		_, err := bc.Resolve(&Step{ID: "s", Inputs: map[string]interface{}{"x": ref}})
		if !IsBinding(err) {
			t.Errorf("%s: error = %v, want binding error", name, err)
		}
	}
}

func TestNewBindingContextRejectsNonObjectInput(t *testing.T) {
	if _, err := NewBindingContext(json.RawMessage(`[1, 2]`)); !IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
	if _, err := NewBindingContext(nil); err != nil {
		t.Fatalf("nil input should yield an empty context, got %v", err)
	}
}

func TestGuardSeesInputAndStepOutputs(t *testing.T) {
	bc := newContext(t, `{"threshold": 100}`)
	if err := bc.AddOutput("estimate", json.RawMessage(`{"cost": 80}`)); err != nil {
		t.Fatalf("AddOutput() error: %v", err)
	}

	ge := NewGuardEvaluator(time.Second)
	pass, err := ge.Evaluate(context.Background(), `steps["estimate"]["cost"] <= input["threshold"]`, bc)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !pass {
		t.Error("guard = false, want true for 80 <= 100")
	}

	pass, err = ge.Evaluate(context.Background(), `steps["estimate"]["cost"] > input["threshold"]`, bc)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if pass {
		t.Error("guard = true, want false for 80 > 100")
	}
}

func TestGuardEmptyExpressionPasses(t *testing.T) {
	bc := newContext(t, `{}`)
	pass, err := NewGuardEvaluator(time.Second).Evaluate(context.Background(), "", bc)
	if err != nil || !pass {
		t.Fatalf("empty guard = (%v, %v), want (true, nil)", pass, err)
	}
}

func TestGuardSyntaxErrorIsValidationError(t *testing.T) {
	bc := newContext(t, `{}`)
	_, err := NewGuardEvaluator(time.Second).Evaluate(context.Background(), `this is not starlark`, bc)
	if !IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestGuardUnknownKeyIsError(t *testing.T) {
	bc := newContext(t, `{}`)
	_, err := NewGuardEvaluator(time.Second).Evaluate(context.Background(), `input["missing"]`, bc)
	if err == nil {
		t.Fatal("expected an error for an unknown key, got nil")
	}
}

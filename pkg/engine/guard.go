package engine

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// GuardEvaluator evaluates step guard expressions in Starlark. Guards see
// two names: "input" (the workflow input) and "steps" (a dict of step id to
// validated output for every terminal step so far).
type GuardEvaluator struct {
	timeout time.Duration
}

// NewGuardEvaluator creates a guard evaluator with the given per-expression
// timeout.
func NewGuardEvaluator(timeout time.Duration) *GuardEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &GuardEvaluator{timeout: timeout}
}

// Evaluate runs the guard expression and reports whether the step should
// execute. A guard that errors is a validation failure, not false.
func (ge *GuardEvaluator) Evaluate(ctx context.Context, expr string, bc *BindingContext) (bool, error) {
	if expr == "" {
		return true, nil
	}

	evalCtx, cancel := context.WithTimeout(ctx, ge.timeout)
	defer cancel()

	type outcome struct {
		pass bool
		err  error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		pass, err := ge.evaluateSync(expr, bc)
		resultCh <- outcome{pass: pass, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return false, NewTimeoutError(fmt.Sprintf("guard evaluation exceeded %v", ge.timeout), evalCtx.Err())
	case res := <-resultCh:
		return res.pass, res.err
	}
}

func (ge *GuardEvaluator) evaluateSync(expr string, bc *BindingContext) (bool, error) {
	thread := &starlark.Thread{
		Name: "guard",
		Print: func(_ *starlark.Thread, _ string) {
			// Guards are pure predicates; print output is discarded.
		},
	}

	input, err := toStarlarkValue(bc.Input)
	if err != nil {
		return false, NewValidationError("failed to convert workflow input for guard", err)
	}
	steps := starlark.NewDict(len(bc.Outputs))
	for id, out := range bc.Outputs {
		v, err := toStarlarkValue(out)
		if err != nil {
			return false, NewValidationError(fmt.Sprintf("failed to convert output of step %s for guard", id), err)
		}
		if err := steps.SetKey(starlark.String(id), v); err != nil {
			return false, NewInternalError("failed to build guard environment", err)
		}
	}

	predeclared := starlark.StringDict{
		"input": input,
		"steps": steps,
	}

	val, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, "guard.star", expr, predeclared)
	if err != nil {
		return false, NewValidationError("guard evaluation failed", err)
	}
	return bool(val.Truth()), nil
}

// toStarlarkValue converts a decoded JSON value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

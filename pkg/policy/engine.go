package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// Engine evaluates phase-exit and validation-gate policies written in Rego.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   *telemetry.Logger
}

// compiledPolicy holds a policy with its prepared deny and flags queries.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	deny     rego.PreparedEvalQuery
	flags    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine preloaded with the built-in phase
// policies.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.NewComponentLogger("policy-engine"),
	}

	for _, p := range BuiltinPolicies() {
		if err := e.compileAndStore(context.Background(), p); err != nil {
			return nil, engine.NewValidationError(
				fmt.Sprintf("built-in policy %s failed to compile", p.Name), err)
		}
	}
	e.logger.WithField("count", len(e.policies)).Info("built-in policies loaded")

	return e, nil
}

// EvaluateExit evaluates every enabled policy applicable to the input's
// phase and aggregates violations, warnings, and routing flags. A policy
// that fails to evaluate is reported as a warning, never as a pass.
func (e *Engine) EvaluateExit(ctx context.Context, input *Input) (*Result, error) {
	started := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if input.Artifacts == nil {
		// A nil map serializes to null, which count() cannot consume.
		input.Artifacts = map[string]interface{}{}
	}

	result := &Result{EvaluatedAt: started}
	flagSet := make(map[string]bool)

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled || !cp.policy.AppliesTo(input.Phase) {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, flags, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.WithPhase(input.Phase).WithField("policy", name).WithError(err).
				Error("policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:     name,
				Phase:      input.Phase,
				Message:    fmt.Sprintf("policy evaluation failed: %v", err),
				Severity:   SeverityWarning,
				DetectedAt: time.Now(),
			})
			continue
		}

		for _, v := range violations {
			if v.Blocking() {
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
		for _, f := range flags {
			flagSet[f] = true
		}
	}

	for f := range flagSet {
		result.Flags = append(result.Flags, f)
	}
	sort.Strings(result.Flags)

	result.Allowed = true
	for i := range result.Violations {
		result.Allowed = false
		if result.Violations[i].Severity == SeverityCritical {
			result.Escalate = true
		}
	}
	result.Duration = time.Since(started)

	e.logger.WithPhase(input.Phase).
		WithField("allowed", result.Allowed).
		WithField("violations", len(result.Violations)).
		WithField("flags", result.Flags).
		Debug("phase exit evaluation completed")

	return result, nil
}

// evaluatePolicy runs one policy's deny and flags queries against the input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, []string, error) {
	denyResults, err := cp.deny.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("deny query: %w", err)
	}

	var violations []Violation
	for _, result := range denyResults {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range set {
				violations = append(violations, e.toViolation(cp.policy, d, input))
			}
		}
	}

	flagResults, err := cp.flags.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("flags query: %w", err)
	}

	var flags []string
	for _, result := range flagResults {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, f := range set {
				if s, ok := f.(string); ok && s != "" {
					flags = append(flags, s)
				}
			}
		}
	}

	return violations, flags, nil
}

// toViolation converts one deny-set member into a Violation.
func (e *Engine) toViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Phase:      input.Phase,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if details, ok := v["details"].(map[string]interface{}); ok {
			violation.Details = details
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// AddPolicy compiles and registers a policy. An existing policy with the
// same name is replaced.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStore(ctx, p)
}

// compileAndStore compiles a policy's module and prepares its deny and
// flags queries for reuse. Callers hold e.mu.
func (e *Engine) compileAndStore(ctx context.Context, p Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := packageName(p.Rego)
	deny, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare deny query: %w", err)
	}

	flags, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.flags", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare flags query: %w", err)
	}

	stored := p
	e.policies[p.Name] = &compiledPolicy{
		policy:   &stored,
		module:   module,
		deny:     deny,
		flags:    flags,
		compiled: time.Now(),
	}

	e.logger.WithField("policy", p.Name).Debug("policy compiled")
	return nil
}

// packageName extracts the package name from Rego code.
func packageName(regoCode string) string {
	for _, line := range strings.Split(regoCode, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "stagecoach.policies"
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError(fmt.Sprintf("policy not found: %s", name))
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError(fmt.Sprintf("policy not found: %s", name))
	}
	cp.policy.Enabled = enabled
	cp.policy.UpdatedAt = time.Now()
	e.logger.WithField("policy", name).WithField("enabled", enabled).Info("policy toggled")
	return nil
}

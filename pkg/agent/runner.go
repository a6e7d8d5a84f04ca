package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// RunnerConfig bounds a single unit invocation. The attempt ceiling here
// is the unit's internal retry budget; the workflow engine keeps its own
// step-level ceiling on top of it.
type RunnerConfig struct {
	// MaxAttempts is the internal attempt ceiling per invocation.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1"`

	// AttemptTimeout bounds one execute call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// BaseDelay is the first retry backoff delay.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// CleanupTimeout bounds the cleanup call on cancelled invocations.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
}

// DefaultRunnerConfig returns the default invocation bounds.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxAttempts:    3,
		AttemptTimeout: 30 * time.Second,
		BaseDelay:      1 * time.Second,
		MaxDelay:       1 * time.Minute,
		CleanupTimeout: 10 * time.Second,
	}
}

// Runner wraps agent invocations with input validation, per-attempt
// timeouts, retry with exponential backoff, and event emission. Every
// transition (start, retry, timeout, success, failure) emits exactly one
// observability event.
type Runner struct {
	cfg    RunnerConfig
	events *telemetry.Publisher
	logger *telemetry.Logger
	tracer *telemetry.Tracer
}

// NewRunner creates a runner. events may be nil, in which case emission
// is a no-op.
func NewRunner(cfg RunnerConfig, events *telemetry.Publisher, logger *telemetry.Logger) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 1 * time.Minute
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 10 * time.Second
	}
	if logger == nil {
		l, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		logger = l
	}
	return &Runner{cfg: cfg, events: events, logger: logger.NewComponentLogger("runner")}
}

// WithTracer attaches a tracer; every attempt gets its own span.
func (r *Runner) WithTracer(tracer *telemetry.Tracer) *Runner {
	r.tracer = tracer
	return r
}

// Run invokes an agent once: validate input, then attempt
// initialize+execute+validate-output up to the attempt ceiling with
// exponential backoff between attempts. The returned ExecutionRecord is
// complete on every path and is never mutated afterward.
func (r *Runner) Run(
	ctx context.Context,
	a Agent,
	runID, stepID string,
	config map[string]interface{},
	input json.RawMessage,
) (json.RawMessage, *engine.ExecutionRecord, error) {
	def := a.Definition()
	logger := r.logger.WithRunID(runID).WithStep(stepID).WithUnit(def.Name)

	record := &engine.ExecutionRecord{
		RunID:     runID,
		StepID:    stepID,
		Unit:      def.Name,
		Status:    engine.AttemptStatusPending,
		StartedAt: time.Now(),
		Input:     input,
	}

	// Input validation fails fast and never consumes an attempt.
	if err := a.ValidateInput(input); err != nil {
		e := asEngineError(err)
		r.finish(record, engine.AttemptStatusFailed, e)
		r.emit(telemetry.EventUnitFailed, telemetry.EventLevelError, runID, stepID, def.Name,
			fmt.Sprintf("input rejected for %s: %v", def.Name, err))
		logger.WithError(err).Error("input validation failed")
		return nil, record, e.WithStep(stepID)
	}

	// Cleanup runs on all exit paths. The fresh context lets it complete
	// even when the invocation context is already cancelled.
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), r.cfg.CleanupTimeout)
		defer cancel()
		if err := a.Cleanup(cctx); err != nil {
			logger.WithError(err).Warn("cleanup failed")
		}
	}()

	var lastErr *engine.Error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		record.Status = engine.AttemptStatusRunning
		record.Attempts = attempt
		record.History = append(record.History, engine.AttemptEvent{
			Attempt:   attempt,
			Kind:      "start",
			Timestamp: time.Now(),
		})
		r.emit(telemetry.EventUnitAttempt, telemetry.EventLevelInfo, runID, stepID, def.Name,
			fmt.Sprintf("attempt %d/%d of %s", attempt, r.cfg.MaxAttempts, def.Name))
		logger.WithField("attempt", attempt).Debug("executing unit")

		attemptCtx := ctx
		var span trace.Span
		if r.tracer != nil {
			attemptCtx, span = r.tracer.StartUnitSpan(ctx, def.Name, attempt)
		}
		output, err := r.attempt(attemptCtx, a, config, input)
		if span != nil {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}
		if err == nil {
			record.Output = output
			record.History = append(record.History, engine.AttemptEvent{
				Attempt:   attempt,
				Kind:      "success",
				Timestamp: time.Now(),
			})
			r.finish(record, engine.AttemptStatusSucceeded, nil)
			r.emit(telemetry.EventUnitSucceeded, telemetry.EventLevelInfo, runID, stepID, def.Name,
				fmt.Sprintf("%s succeeded on attempt %d", def.Name, attempt))
			logger.WithField("attempt", attempt).Info("unit succeeded")
			return output, record, nil
		}

		lastErr = asEngineError(err)

		if engine.IsTimeout(lastErr) {
			record.History = append(record.History, engine.AttemptEvent{
				Attempt:   attempt,
				Kind:      "timeout",
				Timestamp: time.Now(),
				Detail:    fmt.Sprintf("exceeded %s", r.cfg.AttemptTimeout),
			})
			r.emit(telemetry.EventUnitTimeout, telemetry.EventLevelWarning, runID, stepID, def.Name,
				fmt.Sprintf("%s timed out on attempt %d", def.Name, attempt))
		} else {
			record.History = append(record.History, engine.AttemptEvent{
				Attempt:   attempt,
				Kind:      "failure",
				Timestamp: time.Now(),
				Detail:    lastErr.Message,
			})
		}

		// The run's cancellation token is honored between attempts.
		if ctx.Err() != nil {
			lastErr = engine.NewInternalError("invocation cancelled", ctx.Err())
			lastErr.Code = engine.CodeCancelled
			break
		}

		if !r.retryable(lastErr) || attempt >= r.cfg.MaxAttempts {
			break
		}

		delay := r.backoff(attempt, lastErr)
		record.History = append(record.History, engine.AttemptEvent{
			Attempt:   attempt,
			Kind:      "retry",
			Timestamp: time.Now(),
			Detail:    fmt.Sprintf("backing off %s", delay),
		})
		r.emit(telemetry.EventUnitRetry, telemetry.EventLevelWarning, runID, stepID, def.Name,
			fmt.Sprintf("retrying %s after failure (attempt %d/%d)", def.Name, attempt, r.cfg.MaxAttempts))
		logger.WithError(lastErr).WithField("backoff", delay.String()).Warn("retrying unit")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = engine.NewInternalError("invocation cancelled", ctx.Err())
			lastErr.Code = engine.CodeCancelled
			attempt = r.cfg.MaxAttempts
		}
	}

	status := engine.AttemptStatusFailed
	if engine.IsTimeout(lastErr) {
		status = engine.AttemptStatusTimedOut
	}
	r.finish(record, status, lastErr)
	r.emit(telemetry.EventUnitFailed, telemetry.EventLevelError, runID, stepID, def.Name,
		fmt.Sprintf("%s failed after %d attempt(s): %v", def.Name, record.Attempts, lastErr))
	logger.WithError(lastErr).Error("unit failed")
	return nil, record, lastErr.WithStep(stepID)
}

// attempt performs one initialize+execute+validate-output cycle under the
// attempt timeout. Initialize is idempotent, so retries re-run it.
func (r *Runner) attempt(
	ctx context.Context,
	a Agent,
	config map[string]interface{},
	input json.RawMessage,
) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	if err := a.Initialize(attemptCtx, config); err != nil {
		return nil, r.classify(attemptCtx, err, "initialization failed")
	}

	output, err := a.Execute(attemptCtx, input)
	if err != nil {
		return nil, r.classify(attemptCtx, err, "execution failed")
	}

	// A failing output validation is itself a retryable failure: the unit
	// may produce a conforming output on the next attempt.
	if err := a.ValidateOutput(output); err != nil {
		return nil, err
	}
	return output, nil
}

// classify turns a raw attempt error into a classified engine error,
// mapping deadline expiry to a timeout.
func (r *Runner) classify(attemptCtx context.Context, err error, msg string) error {
	var e *engine.Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return engine.NewTimeoutError(msg, err)
	}
	return engine.NewExecutionError(msg, err)
}

// retryable reports whether an attempt failure is eligible for retry.
// Output-validation failures retry; everything else follows the error
// class.
func (r *Runner) retryable(err *engine.Error) bool {
	if engine.IsValidation(err) {
		return true
	}
	return engine.IsRetryable(err)
}

// backoff calculates exponential backoff: base delay doubled per attempt,
// capped, with a deterministic 12.5% spread.
func (r *Runner) backoff(attempt int, err *engine.Error) time.Duration {
	baseDelay := r.cfg.BaseDelay
	if engine.IsThrottled(err) {
		baseDelay = 5 * r.cfg.BaseDelay
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// finish seals the record with its terminal status.
func (r *Runner) finish(record *engine.ExecutionRecord, status engine.AttemptStatus, err *engine.Error) {
	now := time.Now()
	record.Status = status
	record.CompletedAt = &now
	record.Error = err
}

// emit publishes one observability event for a unit transition.
func (r *Runner) emit(eventType, level, runID, stepID, unit, message string) {
	r.events.Publish(telemetry.Event{
		Type:    eventType,
		Source:  "runner",
		RunID:   runID,
		StepID:  stepID,
		Unit:    unit,
		Message: message,
		Level:   level,
	})
}

// asEngineError coerces any error into a classified engine error.
func asEngineError(err error) *engine.Error {
	var e *engine.Error
	if errors.As(err, &e) {
		return e
	}
	return engine.NewExecutionError(err.Error(), err)
}

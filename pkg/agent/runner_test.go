package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// stubAgent gives tests full control over every contract hook.
type stubAgent struct {
	def          Definition
	initCalls    int
	cleanupCalls int
	execCalls    int
	initErr      error
	inputErr     error
	outputErrs   []error
	execute      func(ctx context.Context, call int) (json.RawMessage, error)
}

func (s *stubAgent) Definition() Definition { return s.def }

func (s *stubAgent) Initialize(ctx context.Context, config map[string]interface{}) error {
	s.initCalls++
	return s.initErr
}

func (s *stubAgent) ValidateInput(input json.RawMessage) error { return s.inputErr }

func (s *stubAgent) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	s.execCalls++
	if s.execute != nil {
		return s.execute(ctx, s.execCalls)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (s *stubAgent) ValidateOutput(output json.RawMessage) error {
	if len(s.outputErrs) == 0 {
		return nil
	}
	err := s.outputErrs[0]
	s.outputErrs = s.outputErrs[1:]
	return err
}

func (s *stubAgent) Cleanup(ctx context.Context) error {
	s.cleanupCalls++
	return nil
}

func testRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := RunnerConfig{
		MaxAttempts:    3,
		AttemptTimeout: 50 * time.Millisecond,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
	}
	return NewRunner(cfg, nil, nil)
}

func TestRunnerSuccessFirstAttempt(t *testing.T) {
	r := testRunner(t)
	stub := &stubAgent{def: Definition{Name: "stub"}}

	output, record, err := r.Run(context.Background(), stub, "run-1", "step-1", nil, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(output) != `{"ok":true}` {
		t.Errorf("output = %s, want {\"ok\":true}", output)
	}
	if record.Status != engine.AttemptStatusSucceeded {
		t.Errorf("status = %s, want succeeded", record.Status)
	}
	if record.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", record.Attempts)
	}
	if stub.cleanupCalls != 1 {
		t.Errorf("cleanup calls = %d, want 1", stub.cleanupCalls)
	}
	if record.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestRunnerEmitsAttemptSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "agent-test", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer() error: %v", err)
	}

	r := testRunner(t).WithTracer(tracer)
	stub := &stubAgent{
		def: Definition{Name: "flaky"},
		execute: func(_ context.Context, call int) (json.RawMessage, error) {
			if call == 1 {
				return nil, errors.New("transient glitch")
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	}

	if _, _, err := r.Run(context.Background(), stub, "run-1", "step-1", nil, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var spans int
	for _, span := range recorder.Ended() {
		if span.Name() == "unit.flaky" {
			spans++
		}
	}
	if spans != 2 {
		t.Errorf("unit.flaky spans = %d, want one per attempt (2)", spans)
	}
}

func TestRunnerInputValidationFailsFast(t *testing.T) {
	r := testRunner(t)
	stub := &stubAgent{
		def:      Definition{Name: "stub"},
		inputErr: engine.NewValidationError("missing field", nil),
	}

	_, record, err := r.Run(context.Background(), stub, "run-1", "step-1", nil, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !engine.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if record.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (validation must not consume an attempt)", record.Attempts)
	}
	if stub.execCalls != 0 {
		t.Errorf("execute calls = %d, want 0", stub.execCalls)
	}
}

// Unit times out twice, then succeeds on the third attempt: the record
// must show three attempts, succeeded, with two timeout events.
func TestRunnerTimeoutTwiceThenSucceed(t *testing.T) {
	r := testRunner(t)
	stub := &stubAgent{def: Definition{Name: "slow"}}
	stub.execute = func(ctx context.Context, call int) (json.RawMessage, error) {
		if call <= 2 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"done":true}`), nil
	}

	_, record, err := r.Run(context.Background(), stub, "run-1", "step-1", nil, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if record.Status != engine.AttemptStatusSucceeded {
		t.Errorf("status = %s, want succeeded", record.Status)
	}
	if record.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", record.Attempts)
	}

	timeouts := 0
	for _, evt := range record.History {
		if evt.Kind == "timeout" {
			timeouts++
		}
	}
	if timeouts != 2 {
		t.Errorf("timeout events = %d, want 2", timeouts)
	}
}

func TestRunnerTimeoutExhaustsAttempts(t *testing.T) {
	r := testRunner(t)
	stub := &stubAgent{def: Definition{Name: "slow"}}
	stub.execute = func(ctx context.Context, call int) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, record, err := r.Run(context.Background(), stub, "run-1", "step-1", nil, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !engine.IsTimeout(err) {
		t.Errorf("expected timeout error, got %v", err)
	}
	if record.Status != engine.AttemptStatusTimedOut {
		t.Errorf("status = %s, want timed_out", record.Status)
	}
	if record.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", record.Attempts)
	}
	if stub.cleanupCalls != 1 {
		t.Errorf("cleanup calls = %d, want 1", stub.cleanupCalls)
	}
}

func TestRunnerPermanentErrorNotRetried(t *testing.T) {
	r := testRunner(t)
	stub := &stubAgent{def: Definition{Name: "stub"}}
	stub.execute = func(ctx context.Context, call int) (json.RawMessage, error) {
		return nil, &engine.Error{
			Class:   engine.ErrorClassPermanent,
			Code:    engine.CodeExecution,
			Message: "unrecoverable",
		}
	}

	_, record, err := r.Run(context.Background(), stub, "run-1", "step-1", nil, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected execution error")
	}
	if record.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (permanent errors are not retried)", record.Attempts)
	}
}

// A failing output validation retries: the unit may produce a conforming
// output next time.
func TestRunnerOutputValidationRetries(t *testing.T) {
	r := testRunner(t)
	stub := &stubAgent{
		def:        Definition{Name: "stub"},
		outputErrs: []error{engine.NewValidationError("bad shape", nil)},
	}

	_, record, err := r.Run(context.Background(), stub, "run-1", "step-1", nil, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if record.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", record.Attempts)
	}
	if record.Status != engine.AttemptStatusSucceeded {
		t.Errorf("status = %s, want succeeded", record.Status)
	}
}

func TestRunnerCancellation(t *testing.T) {
	r := testRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	stub := &stubAgent{def: Definition{Name: "stub"}}
	stub.execute = func(c context.Context, call int) (json.RawMessage, error) {
		cancel()
		<-c.Done()
		return nil, c.Err()
	}

	_, record, err := r.Run(ctx, stub, "run-1", "step-1", nil, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !engine.HasCode(err, engine.CodeCancelled) {
		t.Errorf("expected CANCELLED code, got %v", err)
	}
	if record.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry after cancellation)", record.Attempts)
	}
	if stub.cleanupCalls != 1 {
		t.Errorf("cleanup calls = %d, want 1 (cleanup runs on cancellation)", stub.cleanupCalls)
	}
}

func TestRunnerInitializeRetried(t *testing.T) {
	r := testRunner(t)
	stub := &stubAgent{def: Definition{Name: "stub"}}
	stub.initErr = errors.New("connection refused")

	_, record, err := r.Run(context.Background(), stub, "run-1", "step-1", nil, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error while initialize keeps failing")
	}
	if stub.initCalls != 3 {
		t.Errorf("initialize calls = %d, want 3 (re-run per attempt)", stub.initCalls)
	}
	if record.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", record.Attempts)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	r := NewRunner(RunnerConfig{
		MaxAttempts:    5,
		AttemptTimeout: time.Second,
		BaseDelay:      time.Second,
		MaxDelay:       4 * time.Second,
	}, nil, nil)

	execErr := engine.NewExecutionError("boom", nil)
	first := r.backoff(1, execErr)
	second := r.backoff(2, execErr)
	if second <= first {
		t.Errorf("backoff(2) = %s, want > backoff(1) = %s", second, first)
	}

	capped := r.backoff(10, execErr)
	// Cap plus the 12.5% spread.
	if capped > 5*time.Second {
		t.Errorf("backoff(10) = %s, want capped near 4s", capped)
	}
}

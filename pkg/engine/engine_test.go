package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// testBus delivers each published envelope to its subscribed handler on a
// fresh goroutine, mimicking the real bus's asynchronous dispatch without
// priority ordering or redelivery.
type testBus struct {
	mu        sync.Mutex
	handlers  map[string]DeliveryHandler
	published []*Envelope
}

func newTestBus() *testBus {
	return &testBus{handlers: make(map[string]DeliveryHandler)}
}

func (b *testBus) Publish(ctx context.Context, env *Envelope) error {
	b.mu.Lock()
	b.published = append(b.published, env)
	handler := b.handlers[env.Destination]
	b.mu.Unlock()
	if handler == nil {
		return NewNotFoundError(fmt.Sprintf("no handler for %q", env.Destination))
	}
	go func() {
		env.Attempt++
		_ = handler(context.Background(), env)
	}()
	return nil
}

func (b *testBus) Subscribe(unit string, handler DeliveryHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[unit] = handler
	return nil
}

func (b *testBus) Close() error { return nil }

func (b *testBus) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// testExecutor routes invocations to per-unit functions and counts calls.
type testExecutor struct {
	mu    sync.Mutex
	fns   map[string]func(ctx context.Context, payload StepPayload) (json.RawMessage, error)
	calls map[string]int
}

func newTestExecutor() *testExecutor {
	return &testExecutor{
		fns:   make(map[string]func(context.Context, StepPayload) (json.RawMessage, error)),
		calls: make(map[string]int),
	}
}

func (x *testExecutor) on(unit string, fn func(context.Context, StepPayload) (json.RawMessage, error)) {
	x.fns[unit] = fn
}

func (x *testExecutor) ExecuteUnit(ctx context.Context, unit string, payload StepPayload) (json.RawMessage, *ExecutionRecord, error) {
	x.mu.Lock()
	x.calls[unit]++
	fn := x.fns[unit]
	x.mu.Unlock()
	if fn == nil {
		return nil, nil, NewNotFoundError(fmt.Sprintf("unit %q is not registered", unit))
	}
	out, err := fn(ctx, payload)
	return out, nil, err
}

func (x *testExecutor) callCount(unit string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls[unit]
}

// allowAllResolver accepts every unit at every phase.
type allowAllResolver struct{}

func (allowAllResolver) Exists(string) bool            { return true }
func (allowAllResolver) Dependencies(string) []string  { return nil }
func (allowAllResolver) AcceptsPhase(string, int) bool { return true }

func newTestEngine(bus MessageBus, executor StepExecutor) *Engine {
	cfg := DefaultConfig()
	cfg.GuardTimeout = 2 * time.Second
	return New(cfg, bus, executor, allowAllResolver{})
}

func echoUnit(out string) func(context.Context, StepPayload) (json.RawMessage, error) {
	return func(context.Context, StepPayload) (json.RawMessage, error) {
		return json.RawMessage(out), nil
	}
}

func TestRunFanOutExecutesSiblingsConcurrently(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	bStarted := make(chan struct{})
	cStarted := make(chan struct{})

	exec.on("seed", echoUnit(`{"v": 7}`))
	exec.on("left", func(ctx context.Context, p StepPayload) (json.RawMessage, error) {
		close(bStarted)
		select {
		case <-cStarted:
		case <-time.After(2 * time.Second):
			return nil, errors.New("sibling never started")
		}
		return json.RawMessage(`{"side": "left"}`), nil
	})
	exec.on("right", func(ctx context.Context, p StepPayload) (json.RawMessage, error) {
		close(cStarted)
		select {
		case <-bStarted:
		case <-time.After(2 * time.Second):
			return nil, errors.New("sibling never started")
		}
		return json.RawMessage(`{"side": "right"}`), nil
	})

	def := &WorkflowDefinition{
		Name:  "fan-out",
		Phase: 1,
		Steps: []Step{
			{ID: "A", Unit: "seed"},
			{ID: "B", Unit: "left", Inputs: map[string]interface{}{"x": "$steps.A.output.v"}},
			{ID: "C", Unit: "right", Inputs: map[string]interface{}{"x": "$steps.A.output.v"}},
		},
	}

	result, err := newTestEngine(bus, exec).Run(context.Background(), def, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want %s", result.Status, RunStatusSucceeded)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("got %d step results, want 3", len(result.Steps))
	}
	for _, id := range []string{"A", "B", "C"} {
		sr := result.Steps[id]
		if sr == nil {
			t.Fatalf("no result for step %s", id)
		}
		if sr.Status != StepStatusSucceeded {
			t.Errorf("step %s status = %s, want %s", id, sr.Status, StepStatusSucceeded)
		}
		if len(sr.Output) == 0 {
			t.Errorf("step %s has no output", id)
		}
	}
}

func TestRunResolvesBindingsFromPriorOutput(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	exec.on("seed", echoUnit(`{"items": ["a", "b"], "count": 2}`))
	var got json.RawMessage
	exec.on("consume", func(_ context.Context, p StepPayload) (json.RawMessage, error) {
		got = p.Input
		return json.RawMessage(`{"done": true}`), nil
	})

	def := &WorkflowDefinition{
		Name: "bindings",
		Steps: []Step{
			{ID: "A", Unit: "seed"},
			{ID: "B", Unit: "consume", Inputs: map[string]interface{}{
				"first": "$steps.A.output.items.0",
				"total": "$steps.A.output.count",
				"env":   "$input.env",
			}},
		},
	}

	result, err := newTestEngine(bus, exec).Run(context.Background(), def, json.RawMessage(`{"env": "prod"}`))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", result.Status)
	}

	var input map[string]interface{}
	if err := json.Unmarshal(got, &input); err != nil {
		t.Fatalf("unmarshal bound input: %v", err)
	}
	if input["first"] != "a" {
		t.Errorf("first = %v, want a", input["first"])
	}
	if input["total"] != float64(2) {
		t.Errorf("total = %v, want 2", input["total"])
	}
	if input["env"] != "prod" {
		t.Errorf("env = %v, want prod", input["env"])
	}
}

func TestContinueStrategySkipsRefDependentsOnly(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	exec.on("flaky", func(context.Context, StepPayload) (json.RawMessage, error) {
		return nil, NewExecutionError("boom", nil)
	})
	exec.on("reader", echoUnit(`{"read": true}`))
	exec.on("sibling", echoUnit(`{"ok": true}`))

	def := &WorkflowDefinition{
		Name: "continue",
		Steps: []Step{
			{ID: "A", Unit: "flaky", OnError: ErrorStrategyContinue},
			// B dereferences A's output: must be skipped, never run.
			{ID: "B", Unit: "reader", Inputs: map[string]interface{}{"x": "$steps.A.output.read"}},
			// C only orders after A: proceeds despite A's failure.
			{ID: "C", Unit: "sibling", DependsOn: []string{"A"}},
		},
	}

	result, err := newTestEngine(bus, exec).Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != RunStatusPartial {
		t.Fatalf("run status = %s, want %s", result.Status, RunStatusPartial)
	}
	if got := result.Steps["A"].Status; got != StepStatusFailed {
		t.Errorf("A status = %s, want failed", got)
	}
	if got := result.Steps["B"].Status; got != StepStatusSkipped {
		t.Errorf("B status = %s, want skipped", got)
	}
	if got := result.Steps["C"].Status; got != StepStatusSucceeded {
		t.Errorf("C status = %s, want succeeded", got)
	}
	if n := exec.callCount("reader"); n != 0 {
		t.Errorf("skipped step executed %d times", n)
	}
	if err := result.Steps["A"].Error; err == nil {
		t.Error("failed step carries no error")
	}
}

func TestStopStrategyAbortsPendingSteps(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	exec.on("broken", func(context.Context, StepPayload) (json.RawMessage, error) {
		return nil, NewExecutionError("fatal", nil)
	})
	exec.on("later", echoUnit(`{}`))

	def := &WorkflowDefinition{
		Name: "stop",
		Steps: []Step{
			{ID: "A", Unit: "broken", OnError: ErrorStrategyStop},
			{ID: "B", Unit: "later", DependsOn: []string{"A"}},
			{ID: "C", Unit: "later", DependsOn: []string{"B"}},
		},
	}

	result, err := newTestEngine(bus, exec).Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != RunStatusFailed {
		t.Fatalf("run status = %s, want %s", result.Status, RunStatusFailed)
	}
	if got := result.Steps["A"].Status; got != StepStatusFailed {
		t.Errorf("A status = %s, want failed", got)
	}
	for _, id := range []string{"B", "C"} {
		if got := result.Steps[id].Status; got != StepStatusSkipped {
			t.Errorf("%s status = %s, want skipped", id, got)
		}
	}
	if n := exec.callCount("later"); n != 0 {
		t.Errorf("aborted steps executed %d times", n)
	}
}

func TestRetryStrategyRedispatchesUntilSuccess(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	var attempts int
	var mu sync.Mutex
	exec.on("flaky", func(context.Context, StepPayload) (json.RawMessage, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, NewExecutionError("transient failure", nil)
		}
		return json.RawMessage(`{"ok": true}`), nil
	})

	def := &WorkflowDefinition{
		Name: "retry",
		Steps: []Step{
			{ID: "A", Unit: "flaky", OnError: ErrorStrategyRetry, Retries: 3},
		},
	}

	result, err := newTestEngine(bus, exec).Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", result.Status)
	}
	sr := result.Steps["A"]
	if sr.Status != StepStatusSucceeded {
		t.Fatalf("A status = %s, want succeeded", sr.Status)
	}
	if sr.Attempts != 3 {
		t.Errorf("A attempts = %d, want 3", sr.Attempts)
	}
}

func TestRetryStrategyExhaustsCeiling(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	exec.on("flaky", func(context.Context, StepPayload) (json.RawMessage, error) {
		return nil, NewExecutionError("always fails", nil)
	})

	def := &WorkflowDefinition{
		Name: "exhaust",
		Steps: []Step{
			{ID: "A", Unit: "flaky", OnError: ErrorStrategyRetry, Retries: 1},
		},
	}

	result, err := newTestEngine(bus, exec).Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != RunStatusPartial {
		t.Fatalf("run status = %s, want partial", result.Status)
	}
	sr := result.Steps["A"]
	if sr.Status != StepStatusFailed {
		t.Fatalf("A status = %s, want failed", sr.Status)
	}
	// Retries=1 means one dispatch plus one redispatch.
	if got := exec.callCount("flaky"); got != 2 {
		t.Errorf("unit invoked %d times, want 2", got)
	}
}

func TestGuardFalseSkipsStep(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	exec.on("seed", echoUnit(`{"approved": false}`))
	exec.on("gated", echoUnit(`{}`))

	def := &WorkflowDefinition{
		Name: "guarded",
		Steps: []Step{
			{ID: "A", Unit: "seed"},
			{
				ID:        "B",
				Unit:      "gated",
				DependsOn: []string{"A"},
				Guard:     `steps["A"]["approved"]`,
			},
		},
	}

	result, err := newTestEngine(bus, exec).Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded (a guard skip is not a failure)", result.Status)
	}
	if got := result.Steps["B"].Status; got != StepStatusSkipped {
		t.Errorf("B status = %s, want skipped", got)
	}
	if n := exec.callCount("gated"); n != 0 {
		t.Errorf("guarded step executed %d times", n)
	}
}

func TestBindingErrorIsNeverRedispatched(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	exec.on("seed", echoUnit(`{"v": 1}`))
	exec.on("consume", echoUnit(`{}`))

	def := &WorkflowDefinition{
		Name: "bad-binding",
		Steps: []Step{
			{ID: "A", Unit: "seed"},
			{
				ID:      "B",
				Unit:    "consume",
				Inputs:  map[string]interface{}{"x": "$steps.A.output.missing"},
				OnError: ErrorStrategyRetry,
				Retries: 5,
			},
		},
	}

	result, err := newTestEngine(bus, exec).Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != RunStatusPartial {
		t.Fatalf("run status = %s, want partial", result.Status)
	}
	sr := result.Steps["B"]
	if sr.Status != StepStatusFailed {
		t.Fatalf("B status = %s, want failed", sr.Status)
	}
	if !IsBinding(sr.Error) {
		t.Errorf("B error = %v, want a binding error", sr.Error)
	}
	if n := exec.callCount("consume"); n != 0 {
		t.Errorf("step with broken binding executed %d times", n)
	}
}

func TestRunCancellationSkipsPendingAndStopsInFlight(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	started := make(chan struct{})
	exec.on("slow", func(ctx context.Context, _ StepPayload) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	exec.on("later", echoUnit(`{}`))

	def := &WorkflowDefinition{
		Name: "cancel",
		Steps: []Step{
			{ID: "A", Unit: "slow"},
			{ID: "B", Unit: "later", DependsOn: []string{"A"}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := newTestEngine(bus, exec).Run(ctx, def, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != RunStatusCancelled {
		t.Fatalf("run status = %s, want %s", result.Status, RunStatusCancelled)
	}
	if got := result.Steps["B"].Status; got != StepStatusSkipped {
		t.Errorf("B status = %s, want skipped", got)
	}
	if got := result.Steps["A"].Status; got != StepStatusFailed {
		t.Errorf("A status = %s, want failed", got)
	}
	if !HasCode(result.Steps["A"].Error, CodeCancelled) {
		t.Errorf("A error = %v, want code %s", result.Steps["A"].Error, CodeCancelled)
	}
	if n := exec.callCount("later"); n != 0 {
		t.Errorf("pending step executed %d times after cancellation", n)
	}
}

func TestRunEmitsTraceSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "stagecoach-test", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer() error: %v", err)
	}

	bus := newTestBus()
	exec := newTestExecutor()
	exec.on("u", echoUnit(`{"ok": true}`))

	def := &WorkflowDefinition{
		Name:  "traced",
		Steps: []Step{{ID: "A", Unit: "u"}},
	}

	e := New(DefaultConfig(), bus, exec, allowAllResolver{}, WithTracer(tracer))
	result, err := e.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want %s", result.Status, RunStatusSucceeded)
	}

	names := make(map[string]int)
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	if names["run.execute"] != 1 {
		t.Errorf("run.execute spans = %d, want 1", names["run.execute"])
	}
	if names["step.execute"] != 1 {
		t.Errorf("step.execute spans = %d, want 1", names["step.execute"])
	}
}

func TestRunRejectsCyclicDefinition(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	def := &WorkflowDefinition{
		Name: "cycle",
		Steps: []Step{
			{ID: "A", Unit: "u", DependsOn: []string{"B"}},
			{ID: "B", Unit: "u", DependsOn: []string{"A"}},
		},
	}

	_, err := newTestEngine(bus, exec).Run(context.Background(), def, nil)
	if err == nil {
		t.Fatal("expected a compile error for a cyclic definition")
	}
	if !IsCyclicDependency(err) {
		t.Errorf("error = %v, want cyclic dependency", err)
	}
	if bus.publishCount() != 0 {
		t.Errorf("cyclic workflow dispatched %d envelopes", bus.publishCount())
	}
}

func TestRunDispatchesAtPhasePriority(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()
	exec.on("u", echoUnit(`{}`))

	cfg := DefaultConfig()
	cfg.PhasePriorities = map[int]Priority{5: PriorityCritical}
	eng := New(cfg, bus, exec, allowAllResolver{})

	def := &WorkflowDefinition{
		Name:  "priority",
		Phase: 5,
		Steps: []Step{{ID: "A", Unit: "u"}},
	}
	if _, err := eng.Run(context.Background(), def, nil); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.published) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(bus.published))
	}
	env := bus.published[0]
	if env.Priority != PriorityCritical {
		t.Errorf("priority = %s, want critical", env.Priority)
	}
	if env.Phase != 5 {
		t.Errorf("phase = %d, want 5", env.Phase)
	}
	if env.CorrelationID == "" {
		t.Error("envelope has no correlation id")
	}
}

func TestCancelByRunID(t *testing.T) {
	bus := newTestBus()
	exec := newTestExecutor()

	started := make(chan struct{})
	exec.on("slow", func(ctx context.Context, _ StepPayload) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := &WorkflowDefinition{
		Name:  "cancel-by-id",
		Steps: []Step{{ID: "A", Unit: "slow"}},
	}

	eng := newTestEngine(bus, exec)
	done := make(chan *RunResult, 1)
	go func() {
		result, err := eng.Run(context.Background(), def, nil)
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
		done <- result
	}()

	<-started
	bus.mu.Lock()
	runID := bus.published[0].CorrelationID
	bus.mu.Unlock()
	if err := eng.Cancel(runID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	select {
	case result := <-done:
		if result.Status != RunStatusCancelled {
			t.Errorf("run status = %s, want cancelled", result.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancel")
	}

	if err := eng.Cancel("no-such-run"); !IsNotFound(err) {
		t.Errorf("Cancel(unknown) = %v, want not found", err)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// unitRetainer marks units as held by an active run so the registry
// refuses to unregister them mid-flight. Implemented by the registry
// executor; the engine uses it when available.
type unitRetainer interface {
	Retain(names []string) error
	Release(names []string)
}

// Engine executes workflow definitions. Steps are not walked by a
// controlling goroutine: each ready step is dispatched as an envelope on
// the message bus, and completion is observed through the bus's delivery
// handler. Steps whose dependencies are all satisfied run concurrently,
// bounded by MaxConcurrency.
type Engine struct {
	cfg      Config
	bus      MessageBus
	executor StepExecutor
	store    RunStore
	compiler *Compiler
	guards   *GuardEvaluator
	events   *telemetry.Publisher
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger
	tracer   *telemetry.Tracer
	retainer unitRetainer
	sem      chan struct{}

	mu   sync.Mutex
	runs map[string]*runState
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithStore attaches the audit-trail store.
func WithStore(store RunStore) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithEvents attaches the observability event publisher.
func WithEvents(events *telemetry.Publisher) EngineOption {
	return func(e *Engine) { e.events = events }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

// WithLogger attaches the logger.
func WithLogger(logger *telemetry.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger.NewComponentLogger("engine") }
}

// WithTracer attaches the tracer. Each run gets a span, with a child span
// per step execution.
func WithTracer(tracer *telemetry.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = tracer }
}

// New creates an engine. resolver answers compile-time unit questions;
// when it also implements Retain/Release, running workflows hold their
// units in the registry.
func New(cfg Config, bus MessageBus, executor StepExecutor, resolver UnitResolver, opts ...EngineOption) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.GuardTimeout <= 0 {
		cfg.GuardTimeout = DefaultConfig().GuardTimeout
	}
	if cfg.DefaultRetries < 0 {
		cfg.DefaultRetries = 0
	}

	e := &Engine{
		cfg:      cfg,
		bus:      bus,
		executor: executor,
		store:    NopRunStore{},
		compiler: NewCompiler(resolver),
		guards:   NewGuardEvaluator(cfg.GuardTimeout),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		runs:     make(map[string]*runState),
	}
	if r, ok := resolver.(unitRetainer); ok {
		e.retainer = r
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		l, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		e.logger = l.NewComponentLogger("engine")
	}
	return e
}

// runState is the mutable state of one workflow run. It is mutated only
// by its owning run, never cross-run; rs.mu serializes the bus delivery
// goroutines racing to complete steps.
type runState struct {
	id    string
	def   *WorkflowDefinition
	graph *Graph
	steps map[string]*Step

	execCtx    context.Context
	execCancel context.CancelFunc

	mu         sync.Mutex
	bindings   *BindingContext
	status     map[string]StepStatus
	results    map[string]*StepResult
	dispatches map[string]int
	remaining  int
	aborted    bool
	cancelled  bool
	finished   bool
	done       chan struct{}
	startedAt  time.Time
}

// dispatchRequest is a step ready for the bus, resolved under the run
// lock and published outside it.
type dispatchRequest struct {
	step  *Step
	input json.RawMessage
}

// Run executes a workflow definition to completion and returns the
// aggregated result: every terminal step id mapped to its status and,
// when succeeded, its validated output. Cancelling ctx propagates to
// every in-flight unit invocation and skips all waiting and ready steps.
func (e *Engine) Run(ctx context.Context, def *WorkflowDefinition, input json.RawMessage) (*RunResult, error) {
	graph, err := e.compiler.Compile(def)
	if err != nil {
		return nil, err
	}

	bindings, err := NewBindingContext(input)
	if err != nil {
		return nil, NewValidationError("workflow input is not valid JSON", err)
	}

	runID := uuid.New().String()

	spanCtx := ctx
	var runSpan trace.Span
	if e.tracer != nil {
		spanCtx, runSpan = e.tracer.StartRunSpan(ctx, runID, def.Name)
		defer runSpan.End()
	}

	execCtx, execCancel := context.WithCancel(spanCtx)
	defer execCancel()

	rs := &runState{
		id:         runID,
		def:        def,
		graph:      graph,
		steps:      make(map[string]*Step, len(def.Steps)),
		execCtx:    execCtx,
		execCancel: execCancel,
		bindings:   bindings,
		status:     make(map[string]StepStatus, len(def.Steps)),
		results:    make(map[string]*StepResult, len(def.Steps)),
		dispatches: make(map[string]int, len(def.Steps)),
		remaining:  len(def.Steps),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}

	units := make([]string, 0, len(def.Steps))
	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		rs.steps[step.ID] = step
		rs.status[step.ID] = StepStatusWaiting
		if !seen[step.Unit] {
			seen[step.Unit] = true
			units = append(units, step.Unit)
		}
	}

	if e.retainer != nil {
		if err := e.retainer.Retain(units); err != nil {
			return nil, err
		}
		defer e.retainer.Release(units)
	}

	for _, unit := range units {
		if err := e.bus.Subscribe(unit, e.handleDelivery); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.runs[runID] = rs
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, runID)
		e.mu.Unlock()
	}()

	logger := e.logger.WithRunID(runID).WithPhase(def.Phase)
	logger.WithField("workflow", def.Name).Info("run started")
	e.emitRun(telemetry.EventRunStarted, telemetry.EventLevelInfo, rs,
		fmt.Sprintf("run of workflow %q started", def.Name))
	if e.metrics != nil {
		e.metrics.RecordRunStarted(def.Name)
	}

	e.advance(rs, graph.Roots)

	select {
	case <-rs.done:
	case <-ctx.Done():
		e.cancelRun(rs)
		<-rs.done
	}

	result := e.finalize(rs)

	if runSpan != nil {
		telemetry.SetAttributes(runSpan, attribute.String("run.status", string(result.Status)))
		if result.Status == RunStatusSucceeded {
			telemetry.RecordSuccess(runSpan)
		}
	}

	if err := e.store.SaveRun(context.Background(), result); err != nil {
		logger.WithError(err).Warn("failed to persist run result")
	}
	return result, nil
}

// Cancel cancels a live run by id.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return NewNotFoundError(fmt.Sprintf("no active run %q", runID))
	}
	e.cancelRun(rs)
	return nil
}

// handleDelivery consumes one step envelope from the bus. Step failure is
// an engine outcome, not a delivery failure: the envelope is acknowledged
// unless the payload cannot be tied to a live run at all.
func (e *Engine) handleDelivery(ctx context.Context, env *Envelope) error {
	var payload StepPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return NewValidationError("undecodable step payload", err)
	}

	e.mu.Lock()
	rs, ok := e.runs[payload.RunID]
	e.mu.Unlock()
	if !ok {
		return NewNotFoundError(fmt.Sprintf("no active run %q", payload.RunID))
	}

	rs.mu.Lock()
	step, ok := rs.steps[payload.StepID]
	if !ok {
		rs.mu.Unlock()
		return NewNotFoundError(fmt.Sprintf("run %q has no step %q", payload.RunID, payload.StepID))
	}
	if rs.status[payload.StepID] != StepStatusReady {
		// Stale dispatch: the run was aborted or cancelled after publish.
		rs.mu.Unlock()
		return nil
	}
	rs.status[payload.StepID] = StepStatusRunning
	rs.dispatches[payload.StepID]++
	rs.mu.Unlock()

	e.emitStep(telemetry.EventStepStarted, telemetry.EventLevelInfo, rs, step,
		fmt.Sprintf("step %s started on unit %s", step.ID, step.Unit))

	select {
	case e.sem <- struct{}{}:
	case <-rs.execCtx.Done():
		e.onStepTerminal(rs, step, nil, NewInternalError("run cancelled before execution", rs.execCtx.Err()))
		return nil
	}
	started := time.Now()
	stepCtx := rs.execCtx
	var stepSpan trace.Span
	if e.tracer != nil {
		stepCtx, stepSpan = e.tracer.StartStepSpan(rs.execCtx, rs.id, step.ID, step.Unit)
	}
	output, record, err := e.executor.ExecuteUnit(stepCtx, env.Destination, payload)
	<-e.sem
	if stepSpan != nil {
		if err != nil {
			telemetry.RecordError(stepSpan, err)
		} else {
			telemetry.RecordSuccess(stepSpan)
		}
		stepSpan.End()
	}

	if record != nil {
		if serr := e.store.SaveRecord(context.Background(), record); serr != nil {
			e.logger.WithRunID(rs.id).WithStep(step.ID).WithError(serr).Warn("failed to persist execution record")
		}
	}
	if e.metrics != nil {
		status := "succeeded"
		if err != nil {
			status = "failed"
		}
		e.metrics.RecordStepExecution(step.Unit, status, time.Since(started))
	}

	e.onStepTerminal(rs, step, output, err)
	return nil
}

// onStepTerminal applies the step's error strategy and unlocks dependents.
func (e *Engine) onStepTerminal(rs *runState, step *Step, output json.RawMessage, err error) {
	if err == nil {
		e.succeed(rs, step, output)
		return
	}

	eerr := coerceError(err)

	rs.mu.Lock()
	cancelled := rs.cancelled
	rs.mu.Unlock()
	if cancelled && (errors.Is(err, context.Canceled) || HasCode(err, CodeCancelled)) {
		// The run's cancellation stopped this step; it is not a workflow
		// failure and must not abort the run as one.
		e.failAndContinue(rs, step, NewCancelledError("step stopped by run cancellation", err))
		return
	}

	if step.OnError == ErrorStrategyRetry && e.canRetry(rs, step, eerr) {
		rs.mu.Lock()
		rs.status[step.ID] = StepStatusReady
		input, rerr := rs.bindings.Resolve(step)
		rs.mu.Unlock()

		if rerr == nil {
			e.emitStep(telemetry.EventStepRetried, telemetry.EventLevelWarning, rs, step,
				fmt.Sprintf("step %s re-entering ready after failure: %v", step.ID, eerr))
			if e.metrics != nil {
				e.metrics.RecordStepRetry(step.Unit)
			}
			if perr := e.publish(rs, step, input); perr == nil {
				return
			}
		}
		// Redispatch itself failed; fall through to terminal handling.
	}

	switch step.OnError {
	case ErrorStrategyStop:
		e.abort(rs, step, eerr)
	default:
		// continue, or retry with an exhausted or structural failure:
		// the step fails, siblings proceed, and dependents referencing
		// its output are skipped.
		e.failAndContinue(rs, step, eerr)
	}
}

// canRetry reports whether the workflow-level retry budget allows another
// dispatch. Structural errors are never re-dispatched: the same bindings
// produce the same failure.
func (e *Engine) canRetry(rs *runState, step *Step, err *Error) bool {
	if IsValidation(err) || IsBinding(err) || HasCode(err, CodeCancelled) {
		return false
	}
	ceiling := step.Retries
	if ceiling <= 0 {
		ceiling = e.cfg.DefaultRetries
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.aborted || rs.cancelled {
		return false
	}
	return rs.dispatches[step.ID] <= ceiling
}

// succeed records a step success and advances its dependents.
func (e *Engine) succeed(rs *runState, step *Step, output json.RawMessage) {
	rs.mu.Lock()
	if rs.status[step.ID].IsTerminal() {
		rs.mu.Unlock()
		return
	}
	rs.status[step.ID] = StepStatusSucceeded
	if err := rs.bindings.AddOutput(step.ID, output); err != nil {
		// The output was validated upstream; an undecodable one is a unit
		// contract bug surfaced as a step failure.
		rs.mu.Unlock()
		e.failAndContinue(rs, step, NewInternalError("step output is not valid JSON", err))
		return
	}
	rs.results[step.ID] = &StepResult{
		StepID:   step.ID,
		Status:   StepStatusSucceeded,
		Output:   output,
		Attempts: rs.dispatches[step.ID],
	}
	rs.remaining--
	dependents := rs.graph.Nodes[step.ID].Dependents
	finished := e.checkFinishedLocked(rs)
	rs.mu.Unlock()

	e.emitStep(telemetry.EventStepSucceeded, telemetry.EventLevelInfo, rs, step,
		fmt.Sprintf("step %s succeeded", step.ID))

	if !finished {
		e.advance(rs, dependents)
	}
}

// failAndContinue marks the step failed and lets independent siblings
// proceed; dependents that reference the failed step's output are skipped
// during advancement.
func (e *Engine) failAndContinue(rs *runState, step *Step, err *Error) {
	rs.mu.Lock()
	if rs.status[step.ID].IsTerminal() {
		rs.mu.Unlock()
		return
	}
	rs.status[step.ID] = StepStatusFailed
	rs.results[step.ID] = &StepResult{
		StepID:   step.ID,
		Status:   StepStatusFailed,
		Error:    err.WithStep(step.ID),
		Attempts: rs.dispatches[step.ID],
	}
	rs.remaining--
	dependents := rs.graph.Nodes[step.ID].Dependents
	finished := e.checkFinishedLocked(rs)
	rs.mu.Unlock()

	e.emitStep(telemetry.EventStepFailed, telemetry.EventLevelError, rs, step,
		fmt.Sprintf("step %s failed: %v", step.ID, err))
	e.recordError(err)

	if !finished {
		e.advance(rs, dependents)
	}
}

// abort implements the stop strategy: the failing step and every waiting
// or ready step become terminal and the run's execution context is
// cancelled so in-flight invocations stop at their next suspension point.
func (e *Engine) abort(rs *runState, step *Step, err *Error) {
	rs.mu.Lock()
	if rs.status[step.ID].IsTerminal() {
		rs.mu.Unlock()
		return
	}
	rs.status[step.ID] = StepStatusFailed
	rs.results[step.ID] = &StepResult{
		StepID:   step.ID,
		Status:   StepStatusFailed,
		Error:    err.WithStep(step.ID),
		Attempts: rs.dispatches[step.ID],
	}
	rs.remaining--
	rs.aborted = true

	skipped := e.skipPendingLocked(rs)
	e.checkFinishedLocked(rs)
	rs.mu.Unlock()

	rs.execCancel()

	e.emitStep(telemetry.EventStepFailed, telemetry.EventLevelError, rs, step,
		fmt.Sprintf("step %s failed, aborting run: %v", step.ID, err))
	e.recordError(err)
	for _, id := range skipped {
		e.emitStep(telemetry.EventStepSkipped, telemetry.EventLevelWarning, rs, rs.steps[id],
			fmt.Sprintf("step %s skipped: run aborted", id))
	}
}

// cancelRun honors the run's cancellation token: every in-flight unit
// invocation is cancelled and all waiting and ready steps are skipped.
// The cancelled flag is set before the execution context is torn down so
// an in-flight step stopped by the cancellation is not misread as a
// workflow failure.
func (e *Engine) cancelRun(rs *runState) {
	rs.mu.Lock()
	if rs.finished || rs.cancelled {
		rs.mu.Unlock()
		return
	}
	rs.cancelled = true
	skipped := e.skipPendingLocked(rs)
	e.checkFinishedLocked(rs)
	rs.mu.Unlock()

	rs.execCancel()

	for _, id := range skipped {
		e.emitStep(telemetry.EventStepSkipped, telemetry.EventLevelWarning, rs, rs.steps[id],
			fmt.Sprintf("step %s skipped: run cancelled", id))
	}
}

// skipPendingLocked moves every waiting or ready step to skipped and
// returns their ids. Callers hold rs.mu.
func (e *Engine) skipPendingLocked(rs *runState) []string {
	var skipped []string
	for _, id := range rs.graph.Order {
		switch rs.status[id] {
		case StepStatusWaiting, StepStatusReady:
			rs.status[id] = StepStatusSkipped
			rs.results[id] = &StepResult{StepID: id, Status: StepStatusSkipped}
			rs.remaining--
			skipped = append(skipped, id)
		}
	}
	return skipped
}

// advance evaluates candidate steps whose dependencies may now all be
// terminal, moving each to ready (dispatch), skipped (guard false or a
// referenced dependency did not succeed), or failed (binding or guard
// error, per the step's strategy).
func (e *Engine) advance(rs *runState, candidates []string) {
	queue := append([]string(nil), candidates...)
	var dispatches []dispatchRequest
	var skips []string
	type failure struct {
		step *Step
		err  *Error
	}
	var failures []failure

	rs.mu.Lock()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if rs.status[id] != StepStatusWaiting {
			continue
		}
		step := rs.steps[id]
		node := rs.graph.Nodes[id]

		allTerminal := true
		refFailed := false
		for _, dep := range node.Dependencies {
			if !rs.status[dep].IsTerminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			continue
		}
		for _, ref := range node.Refs {
			if rs.status[ref] != StepStatusSucceeded {
				refFailed = true
				break
			}
		}

		if refFailed {
			rs.status[id] = StepStatusSkipped
			rs.results[id] = &StepResult{StepID: id, Status: StepStatusSkipped}
			rs.remaining--
			skips = append(skips, id)
			queue = append(queue, node.Dependents...)
			continue
		}

		input, err := rs.bindings.Resolve(step)
		if err != nil {
			failures = append(failures, failure{step: step, err: coerceError(err)})
			continue
		}

		if step.Guard != "" {
			pass, gerr := e.guards.Evaluate(rs.execCtx, step.Guard, rs.bindings)
			if gerr != nil {
				failures = append(failures, failure{step: step, err: coerceError(gerr)})
				continue
			}
			if !pass {
				rs.status[id] = StepStatusSkipped
				rs.results[id] = &StepResult{StepID: id, Status: StepStatusSkipped}
				rs.remaining--
				skips = append(skips, id)
				queue = append(queue, node.Dependents...)
				continue
			}
		}

		rs.status[id] = StepStatusReady
		dispatches = append(dispatches, dispatchRequest{step: step, input: input})
	}
	finished := e.checkFinishedLocked(rs)
	rs.mu.Unlock()

	for _, id := range skips {
		e.emitStep(telemetry.EventStepSkipped, telemetry.EventLevelInfo, rs, rs.steps[id],
			fmt.Sprintf("step %s skipped", id))
	}
	for _, f := range failures {
		// A binding or guard failure is a failed step handled by its own
		// error strategy; binding errors are structural and never retried.
		if f.step.OnError == ErrorStrategyStop {
			e.abort(rs, f.step, f.err)
		} else {
			e.failAndContinue(rs, f.step, f.err)
		}
	}
	if finished {
		return
	}
	for _, d := range dispatches {
		e.emitStep(telemetry.EventStepReady, telemetry.EventLevelInfo, rs, d.step,
			fmt.Sprintf("step %s ready", d.step.ID))
		if err := e.publish(rs, d.step, d.input); err != nil {
			eerr := coerceError(err)
			if d.step.OnError == ErrorStrategyStop {
				e.abort(rs, d.step, eerr)
			} else {
				e.failAndContinue(rs, d.step, eerr)
			}
		}
	}
}

// publish dispatches one ready step as an envelope at the priority of the
// workflow's phase.
func (e *Engine) publish(rs *runState, step *Step, input json.RawMessage) error {
	payload, err := json.Marshal(StepPayload{
		RunID:  rs.id,
		StepID: step.ID,
		Input:  input,
	})
	if err != nil {
		return NewInternalError("encoding step payload", err)
	}

	env := &Envelope{
		Destination:   step.Unit,
		Phase:         rs.def.Phase,
		Priority:      e.cfg.PriorityForPhase(rs.def.Phase),
		Payload:       payload,
		CorrelationID: rs.id,
	}
	if err := e.bus.Publish(rs.execCtx, env); err != nil {
		return err
	}
	e.emitStep(telemetry.EventStepDispatched, telemetry.EventLevelInfo, rs, step,
		fmt.Sprintf("step %s dispatched to %s at %s priority", step.ID, step.Unit, env.Priority))
	return nil
}

// checkFinishedLocked closes the run once every step is terminal.
// Callers hold rs.mu.
func (e *Engine) checkFinishedLocked(rs *runState) bool {
	if rs.finished || rs.remaining > 0 {
		return rs.finished
	}
	rs.finished = true
	close(rs.done)
	return true
}

// finalize aggregates the run's terminal results.
func (e *Engine) finalize(rs *runState) *RunResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	anyFailed := false
	for _, result := range rs.results {
		if result.Status == StepStatusFailed {
			anyFailed = true
			break
		}
	}

	var status RunStatus
	switch {
	case rs.cancelled:
		status = RunStatusCancelled
	case rs.aborted:
		status = RunStatusFailed
	case anyFailed:
		status = RunStatusPartial
	default:
		status = RunStatusSucceeded
	}

	result := &RunResult{
		RunID:       rs.id,
		Workflow:    rs.def.Name,
		Phase:       rs.def.Phase,
		Status:      status,
		Steps:       rs.results,
		StartedAt:   rs.startedAt,
		CompletedAt: time.Now(),
	}

	eventType := telemetry.EventRunCompleted
	level := telemetry.EventLevelInfo
	switch status {
	case RunStatusFailed:
		eventType = telemetry.EventRunFailed
		level = telemetry.EventLevelError
	case RunStatusCancelled:
		eventType = telemetry.EventRunCancelled
		level = telemetry.EventLevelWarning
	}
	e.emitRun(eventType, level, rs, fmt.Sprintf("run finished with status %s", status))
	if e.metrics != nil {
		e.metrics.RecordRunCompleted(string(status), result.CompletedAt.Sub(rs.startedAt))
	}
	e.logger.WithRunID(rs.id).WithField("status", string(status)).Info("run finished")

	return result
}

func (e *Engine) emitRun(eventType, level string, rs *runState, message string) {
	e.events.Publish(telemetry.Event{
		Type:    eventType,
		Source:  "engine",
		RunID:   rs.id,
		Phase:   rs.def.Phase,
		Message: message,
		Level:   level,
	})
}

func (e *Engine) emitStep(eventType, level string, rs *runState, step *Step, message string) {
	e.events.Publish(telemetry.Event{
		Type:    eventType,
		Source:  "engine",
		RunID:   rs.id,
		StepID:  step.ID,
		Unit:    step.Unit,
		Phase:   rs.def.Phase,
		Message: message,
		Level:   level,
	})
}

func (e *Engine) recordError(err *Error) {
	if e.metrics != nil {
		e.metrics.RecordError(string(err.Class), err.Code)
	}
}

// coerceError classifies any error as an engine error.
func coerceError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewExecutionError(err.Error(), err)
}

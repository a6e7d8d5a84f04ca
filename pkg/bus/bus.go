// Package bus implements the asynchronous delivery substrate between the
// workflow engine and units of work: four strict priority tiers with FIFO
// order inside each tier, phase-affinity filtering, at-least-once delivery
// with a visibility timeout, a dead letter queue with operator replay, and
// approval gates that hold phase-tagged envelopes until a human decision.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// Config bounds bus behavior. It is immutable after construction.
type Config struct {
	// MaxAttempts is the delivery attempt ceiling before dead-lettering.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1"`

	// VisibilityTimeout is how long a delivery may stay unacknowledged
	// before the envelope returns to its queue.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	// Workers is the number of concurrent deliveries.
	Workers int `yaml:"workers" validate:"min=1"`

	// RollbackBuffer sizes the rollback signal channel.
	RollbackBuffer int `yaml:"rollback_buffer"`
}

// DefaultConfig returns the default bus tunables.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		VisibilityTimeout: 30 * time.Second,
		Workers:           4,
		RollbackBuffer:    8,
	}
}

// RollbackSignal is emitted when an approval gate is rejected. The phase
// state machine consumes it and rolls the run back.
type RollbackSignal struct {
	// Gate is the rejected gate's name.
	Gate string

	// Phase is the phase whose exit was rejected.
	Phase int

	// ResolvedBy is who rejected the gate.
	ResolvedBy string
}

// Bus routes envelopes between the engine and units of work.
//
// Ordering: envelopes are picked strictly by tier (critical first) and
// FIFO within a tier. Delivery is at-least-once: a handler must return
// nil to acknowledge; an error or an expired visibility timeout returns
// the envelope to its queue with an incremented attempt count, and
// exceeding the attempt ceiling parks it in the dead letter queue. An
// envelope is never silently dropped.
type Bus struct {
	cfg      Config
	resolver engine.UnitResolver
	events   *telemetry.Publisher
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[engine.Priority][]*engine.Envelope
	handlers map[string]engine.DeliveryHandler
	failures map[string][]string
	gates    map[string]*gateState
	byPhase  map[int]*gateState
	dlq      []*engine.DeadLetterEntry
	byToken  map[string]*engine.DeadLetterEntry
	closed   bool

	rollback chan RollbackSignal
	wg       sync.WaitGroup
}

// Option configures optional bus collaborators.
type Option func(*Bus)

// WithResolver attaches the unit resolver used for phase-affinity
// filtering at publish time.
func WithResolver(resolver engine.UnitResolver) Option {
	return func(b *Bus) { b.resolver = resolver }
}

// WithEvents attaches the observability event publisher.
func WithEvents(events *telemetry.Publisher) Option {
	return func(b *Bus) { b.events = events }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = metrics }
}

// WithLogger attaches the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(b *Bus) { b.logger = logger.NewComponentLogger("bus") }
}

// New creates a bus and starts its delivery workers.
func New(cfg Config, opts ...Option) *Bus {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RollbackBuffer <= 0 {
		cfg.RollbackBuffer = 8
	}

	b := &Bus{
		cfg:      cfg,
		queues:   make(map[engine.Priority][]*engine.Envelope),
		handlers: make(map[string]engine.DeliveryHandler),
		failures: make(map[string][]string),
		gates:    make(map[string]*gateState),
		byPhase:  make(map[int]*gateState),
		byToken:  make(map[string]*engine.DeadLetterEntry),
		rollback: make(chan RollbackSignal, cfg.RollbackBuffer),
	}
	b.cond = sync.NewCond(&b.mu)

	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		l, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		b.logger = l.NewComponentLogger("bus")
	}

	b.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go b.worker()
	}
	return b
}

// Publish enqueues an envelope. The envelope's priority must be valid and
// its destination must accept the envelope's phase; a phase the
// destination does not accept is a structural error, not a delivery
// failure. Envelopes tagged for a phase with a pending approval gate are
// held until the gate resolves.
func (b *Bus) Publish(ctx context.Context, env *engine.Envelope) error {
	if env.Destination == "" {
		return engine.NewValidationError("envelope destination must not be empty", nil)
	}
	if err := env.Priority.Validate(); err != nil {
		return err
	}
	if b.resolver != nil && b.resolver.Exists(env.Destination) &&
		!b.resolver.AcceptsPhase(env.Destination, env.Phase) {
		return engine.NewValidationError(
			fmt.Sprintf("unit %q does not accept phase %d", env.Destination, env.Phase), nil).
			WithUnit(env.Destination)
	}

	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return engine.NewInternalError("bus is closed", nil)
	}

	if gate := b.byPhase[env.Phase]; gate != nil && !gate.gate.Status.Resolved() && !gate.skipped {
		gate.held = append(gate.held, env)
		b.mu.Unlock()
		b.emit(telemetry.EventEnqueued, telemetry.EventLevelInfo, env,
			fmt.Sprintf("envelope held behind gate %q", gate.gate.Name))
		return nil
	}

	b.enqueueLocked(env)
	b.mu.Unlock()

	b.emit(telemetry.EventEnqueued, telemetry.EventLevelInfo, env,
		fmt.Sprintf("envelope enqueued for %s at %s priority", env.Destination, env.Priority))
	return nil
}

// Subscribe registers the delivery handler for a unit. Re-subscribing
// replaces the previous handler.
func (b *Bus) Subscribe(unit string, handler engine.DeliveryHandler) error {
	if unit == "" {
		return engine.NewValidationError("subscription unit must not be empty", nil)
	}
	if handler == nil {
		return engine.NewValidationError("subscription handler must not be nil", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return engine.NewInternalError("bus is closed", nil)
	}
	b.handlers[unit] = handler
	b.cond.Broadcast()
	return nil
}

// Unsubscribe removes a unit's handler. Pending envelopes for the unit
// stay queued until a new handler subscribes.
func (b *Bus) Unsubscribe(unit string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, unit)
}

// Rollback returns the channel carrying gate-rejection signals. The
// channel is never closed; consumers select against their own context.
func (b *Bus) Rollback() <-chan RollbackSignal {
	return b.rollback
}

// Close stops delivery. Queued envelopes are retained in memory but no
// longer delivered; in-flight deliveries finish their current attempt.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, gate := range b.gates {
		gate.stopTimer()
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// enqueueLocked appends the envelope to the tail of its tier. Callers
// hold b.mu.
func (b *Bus) enqueueLocked(env *engine.Envelope) {
	b.queues[env.Priority] = append(b.queues[env.Priority], env)
	b.observeDepthLocked(env.Priority)
	b.cond.Signal()
}

// next pops the highest-priority deliverable envelope, blocking until one
// is available or the bus closes. An envelope whose destination has no
// subscribed handler does not block the tier behind it.
func (b *Bus) next() (*engine.Envelope, engine.DeliveryHandler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.closed {
			return nil, nil, false
		}
		for _, tier := range engine.Priorities {
			queue := b.queues[tier]
			for i, env := range queue {
				handler, ok := b.handlers[env.Destination]
				if !ok {
					continue
				}
				b.queues[tier] = append(queue[:i:i], queue[i+1:]...)
				b.observeDepthLocked(tier)
				return env, handler, true
			}
		}
		b.cond.Wait()
	}
}

// worker delivers envelopes until the bus closes.
func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		env, handler, ok := b.next()
		if !ok {
			return
		}
		b.deliver(env, handler)
	}
}

// deliver performs one delivery attempt under the visibility timeout.
func (b *Bus) deliver(env *engine.Envelope, handler engine.DeliveryHandler) {
	env.Attempt++

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.VisibilityTimeout)
	defer cancel()

	if b.metrics != nil {
		b.metrics.RecordDelivery(string(env.Priority))
	}
	if env.Attempt > 1 {
		b.emit(telemetry.EventRedelivered, telemetry.EventLevelWarning, env,
			fmt.Sprintf("redelivering envelope (attempt %d/%d)", env.Attempt, b.cfg.MaxAttempts))
		if b.metrics != nil {
			b.metrics.RecordRedelivery(string(env.Priority))
		}
	} else {
		b.emit(telemetry.EventDelivered, telemetry.EventLevelInfo, env,
			fmt.Sprintf("delivering envelope to %s", env.Destination))
	}

	result := make(chan error, 1)
	go func() { result <- handler(ctx, env) }()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		// No acknowledgment inside the visibility window; a late result
		// is ignored and the envelope is redelivered.
		err = engine.NewTimeoutError(
			fmt.Sprintf("no acknowledgment within %s", b.cfg.VisibilityTimeout), ctx.Err())
	}

	if err == nil {
		b.mu.Lock()
		delete(b.failures, env.ID)
		b.mu.Unlock()
		return
	}

	b.nack(env, err)
}

// nack records the failure and either requeues the envelope or parks it
// in the dead letter queue once the attempt ceiling is hit.
func (b *Bus) nack(env *engine.Envelope, cause error) {
	b.mu.Lock()
	b.failures[env.ID] = append(b.failures[env.ID], cause.Error())

	if env.Attempt >= b.cfg.MaxAttempts {
		entry := b.deadLetterLocked(env, cause)
		b.mu.Unlock()

		b.emit(telemetry.EventDeadLettered, telemetry.EventLevelError, env,
			fmt.Sprintf("envelope dead-lettered after %d attempts: %v", env.Attempt, cause))
		if b.metrics != nil {
			b.metrics.RecordDeadLetter(env.Destination)
		}
		b.logger.WithUnit(env.Destination).
			WithField("replay_token", entry.ReplayToken).
			WithError(cause).
			Error("envelope dead-lettered")
		return
	}

	if b.closed {
		// Keep the envelope queued so it survives inspection after close.
		b.queues[env.Priority] = append(b.queues[env.Priority], env)
		b.mu.Unlock()
		return
	}

	b.enqueueLocked(env)
	b.mu.Unlock()
}

func (b *Bus) observeDepthLocked(tier engine.Priority) {
	if b.metrics != nil {
		b.metrics.SetQueueDepth(string(tier), float64(len(b.queues[tier])))
	}
}

// QueueDepth returns the number of pending envelopes in a tier.
func (b *Bus) QueueDepth(tier engine.Priority) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[tier])
}

func (b *Bus) emit(eventType, level string, env *engine.Envelope, message string) {
	b.events.Publish(telemetry.Event{
		Type:    eventType,
		Source:  "bus",
		RunID:   env.CorrelationID,
		Unit:    env.Destination,
		Phase:   env.Phase,
		Message: message,
		Level:   level,
		Data: map[string]interface{}{
			"envelope_id": env.ID,
			"priority":    string(env.Priority),
			"attempt":     env.Attempt,
		},
	})
}

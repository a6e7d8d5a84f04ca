package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry on the observability channel. Every engine, bus, and
// unit transition emits exactly one event; tests assert behavior by
// draining a subscription.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type, e.g. "step.succeeded".
	Type string `json:"type"`

	// Source identifies where the event originated (engine, bus, unit, phase).
	Source string `json:"source"`

	// RunID is the associated workflow run, if applicable.
	RunID string `json:"run_id,omitempty"`

	// StepID is the associated step, if applicable.
	StepID string `json:"step_id,omitempty"`

	// Unit is the associated unit-of-work name, if applicable.
	Unit string `json:"unit,omitempty"`

	// Phase is the associated phase number, -1 when not applicable.
	Phase int `json:"phase,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event type constants.
const (
	EventRunStarted     = "run.started"
	EventRunCompleted   = "run.completed"
	EventRunFailed      = "run.failed"
	EventRunCancelled   = "run.cancelled"
	EventStepReady      = "step.ready"
	EventStepDispatched = "step.dispatched"
	EventStepStarted    = "step.started"
	EventStepRetried    = "step.retried"
	EventStepSucceeded  = "step.succeeded"
	EventStepFailed     = "step.failed"
	EventStepSkipped    = "step.skipped"
	EventUnitAttempt    = "unit.attempt"
	EventUnitRetry      = "unit.retry"
	EventUnitTimeout    = "unit.timeout"
	EventUnitSucceeded  = "unit.succeeded"
	EventUnitFailed     = "unit.failed"
	EventEnqueued       = "bus.enqueued"
	EventDelivered      = "bus.delivered"
	EventRedelivered    = "bus.redelivered"
	EventDeadLettered   = "bus.dead_lettered"
	EventReplayed       = "bus.replayed"
	EventGateOpened     = "gate.opened"
	EventGateResolved   = "gate.resolved"
	EventGateTimedOut   = "gate.timed_out"
	EventPhaseEntered   = "phase.entered"
	EventPhaseExited    = "phase.exited"
	EventPhaseRollback  = "phase.rollback"
	EventPhaseEscalated = "phase.escalated"
)

// Event level constants.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Publisher fans events out to subscribers over channels. A nil Publisher
// is valid and discards everything, so callers never need to guard emits.
type Publisher struct {
	cfg    EventsConfig
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewPublisher creates an event publisher with the given configuration.
func NewPublisher(cfg EventsConfig) *Publisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Publisher{
		cfg:  cfg,
		subs: make(map[int]chan Event),
	}
}

// Publish delivers an event to every subscriber. Delivery is non-blocking:
// a subscriber whose buffer is full misses the event rather than stalling
// the emitter.
func (p *Publisher) Publish(evt Event) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Level == "" {
		evt.Level = EventLevelInfo
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	for _, ch := range p.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel receiving all future events plus a cancel
// function that must be called to release the subscription.
func (p *Publisher) Subscribe() (<-chan Event, func()) {
	if p == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan Event, p.cfg.BufferSize)
	p.subs[id] = ch

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close stops the publisher and closes all subscriber channels.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}

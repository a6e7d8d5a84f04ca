package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// deadLetterLocked parks an envelope with its full failure history.
// Callers hold b.mu. An envelope is dead-lettered at most once: its
// failure history is consumed here.
func (b *Bus) deadLetterLocked(env *engine.Envelope, cause error) *engine.DeadLetterEntry {
	entry := &engine.DeadLetterEntry{
		Envelope:       *env,
		Reason:         cause.Error(),
		Failures:       b.failures[env.ID],
		ReplayToken:    uuid.New().String(),
		DeadLetteredAt: time.Now(),
	}
	delete(b.failures, env.ID)
	b.dlq = append(b.dlq, entry)
	b.byToken[entry.ReplayToken] = entry
	return entry
}

// DeadLetters returns a snapshot of the dead letter queue, oldest first.
func (b *Bus) DeadLetters() []engine.DeadLetterEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make([]engine.DeadLetterEntry, 0, len(b.dlq))
	for _, entry := range b.dlq {
		entries = append(entries, *entry)
	}
	return entries
}

// Replay re-enqueues a dead-lettered envelope with a fresh attempt
// budget and removes its entry. Entries are only ever removed through
// replay or an explicit expiry sweep, never automatically.
func (b *Bus) Replay(token string) error {
	b.mu.Lock()
	entry, ok := b.byToken[token]
	if !ok {
		b.mu.Unlock()
		return engine.NewNotFoundError(fmt.Sprintf("no dead letter entry for replay token %q", token))
	}
	if b.closed {
		b.mu.Unlock()
		return engine.NewInternalError("bus is closed", nil)
	}

	delete(b.byToken, token)
	for i, e := range b.dlq {
		if e == entry {
			b.dlq = append(b.dlq[:i], b.dlq[i+1:]...)
			break
		}
	}

	env := entry.Envelope
	env.Attempt = 0
	env.EnqueuedAt = time.Now()
	b.enqueueLocked(&env)
	b.mu.Unlock()

	b.emit(telemetry.EventReplayed, telemetry.EventLevelInfo, &env,
		fmt.Sprintf("dead letter entry replayed to %s", env.Destination))
	if b.metrics != nil {
		b.metrics.RecordReplay()
	}
	return nil
}

// Expire removes dead letter entries older than the given age and
// returns how many were removed. This is the explicit expiry policy;
// nothing expires implicitly.
func (b *Bus) Expire(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.dlq[:0]
	removed := 0
	for _, entry := range b.dlq {
		if entry.DeadLetteredAt.Before(cutoff) {
			delete(b.byToken, entry.ReplayToken)
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	b.dlq = kept
	return removed
}

package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// AppendEvent persists one observability event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, evt telemetry.Event) error {
	var data *string
	if len(evt.Data) > 0 {
		raw, err := json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		doc := string(raw)
		data = &doc
	}

	query := `
		INSERT INTO events (event_id, type, source, run_id, step_id, unit, phase, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		evt.ID,
		evt.Type,
		evt.Source,
		evt.RunID,
		evt.StepID,
		evt.Unit,
		evt.Phase,
		evt.Level,
		evt.Message,
		data,
		evt.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves events with optional run and level filters, newest
// first, with pagination.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID *string, level *string, limit, offset int) ([]telemetry.Event, error) {
	query := `
		SELECT event_id, type, source, run_id, step_id, unit, phase, level, message, data, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var evt telemetry.Event
		var data *string
		err := rows.Scan(
			&evt.ID,
			&evt.Type,
			&evt.Source,
			&evt.RunID,
			&evt.StepID,
			&evt.Unit,
			&evt.Phase,
			&evt.Level,
			&evt.Message,
			&data,
			&evt.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data != nil {
			if err := json.Unmarshal([]byte(*data), &evt.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// RecordEvents subscribes to the publisher and persists every event until
// Close is called on the returned sink. Write failures drop the event; the
// event stream must never stall the emitters.
func (s *SQLiteStore) RecordEvents(pub *telemetry.Publisher) *EventSink {
	events, cancel := pub.Subscribe()
	sink := &EventSink{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sink.done)
		for evt := range events {
			ctx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.AppendEvent(ctx, evt)
			cancelWrite()
		}
	}()

	return sink
}

// EventSink drains a telemetry subscription into the store.
type EventSink struct {
	cancel func()
	done   chan struct{}
}

// Close stops the sink and waits for the drain goroutine to finish.
func (k *EventSink) Close() {
	k.cancel()
	<-k.done
}

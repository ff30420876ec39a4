package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amelia-ai/amelia/pkg/events"
)

// EventStore is the append-only event log behind the bus and backfill.
type EventStore struct {
	db *sql.DB
}

// NewEventStore builds an event store over the shared client.
func NewEventStore(c *Client) *EventStore {
	return &EventStore{db: c.db}
}

// Append inserts the event and assigns its per-workflow sequence atomically.
func (s *EventStore) Append(ctx context.Context, event *events.Event) error {
	var data []byte
	if event.Data != nil {
		var err error
		if data, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("encoding event data: %w", err)
		}
	}

	domain := event.Domain
	if domain == "" {
		domain = events.DomainWorkflow
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO events (id, domain, workflow_id, sequence, timestamp, agent, event_type, level, message, data_json, correlation_id)
		SELECT $1, $2, $3, COALESCE(MAX(sequence), 0) + 1, $4, $5, $6, $7, $8, $9, $10
		FROM events WHERE workflow_id = $3
		RETURNING sequence`,
		event.ID, string(domain), event.WorkflowID, event.Timestamp, event.Agent, string(event.Type),
		event.Level, event.Message, data, event.CorrelationID,
	)
	if err := row.Scan(&event.Sequence); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// LookupEvent fetches one event by id, nil when absent.
func (s *EventStore) LookupEvent(ctx context.Context, eventID string) (*events.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, domain, workflow_id, sequence, timestamp, agent, event_type, level, message, data_json, correlation_id
		FROM events WHERE id = $1`, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up event %s: %w", eventID, err)
	}
	return event, nil
}

// EventsSince returns a workflow's events with sequence strictly greater
// than the given one, in sequence order.
func (s *EventStore) EventsSince(ctx context.Context, workflowID string, sequence int64) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, workflow_id, sequence, timestamp, agent, event_type, level, message, data_json, correlation_id
		FROM events WHERE workflow_id = $1 AND sequence > $2
		ORDER BY sequence ASC`, workflowID, sequence)
	if err != nil {
		return nil, fmt.Errorf("querying events since %d: %w", sequence, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, *event)
	}
	return out, rows.Err()
}

// ListByWorkflow returns a workflow's full event stream in sequence order.
func (s *EventStore) ListByWorkflow(ctx context.Context, workflowID string) ([]events.Event, error) {
	return s.EventsSince(ctx, workflowID, 0)
}

// DeleteOlderThan removes events past the retention window and returns how
// many went away.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired events: %w", err)
	}
	return res.RowsAffected()
}

// TrimWorkflow caps a workflow's event count, dropping the oldest rows.
func (s *EventStore) TrimWorkflow(ctx context.Context, workflowID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE workflow_id = $1 AND sequence <= (
			SELECT COALESCE(MAX(sequence), 0) - $2 FROM events WHERE workflow_id = $1
		)`, workflowID, keep)
	if err != nil {
		return 0, fmt.Errorf("trimming workflow events: %w", err)
	}
	n, err := res.RowsAffected()
	if n > 0 {
		slog.Debug("Trimmed workflow events", "workflow_id", workflowID, "removed", n)
	}
	return n, err
}

func (s *EventStore) workflowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workflow_id FROM events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*events.Event, error) {
	var (
		event     events.Event
		domain    string
		eventType string
		data      []byte
	)
	if err := row.Scan(&event.ID, &domain, &event.WorkflowID, &event.Sequence, &event.Timestamp,
		&event.Agent, &eventType, &event.Level, &event.Message, &data, &event.CorrelationID); err != nil {
		return nil, err
	}
	event.Domain = events.Domain(domain)
	event.Type = events.EventType(eventType)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &event.Data); err != nil {
			return nil, fmt.Errorf("decoding event data: %w", err)
		}
	}
	return &event, nil
}

// Package knowledge is the boundary to the knowledge-ingestion pipeline.
// The pipeline itself (parse, chunk, embed, store) runs elsewhere; this
// package exposes its queue interface and relays its event domain.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/amelia-ai/amelia/pkg/events"
)

// IngestionRequest asks the pipeline to ingest one document.
type IngestionRequest struct {
	// Source is a path or URL to the document.
	Source string `json:"source"`
	// ContentType hints the parser, e.g. "application/pdf" or
	// "text/markdown". Empty lets the pipeline sniff.
	ContentType string `json:"content_type,omitempty"`
	// WorkflowID ties the ingestion to the workflow that requested it, when
	// any.
	WorkflowID string `json:"workflow_id,omitempty"`
}

// IngestionError surfaces pipeline failures through the knowledge event
// domain. It never affects orchestrator workflows.
type IngestionError struct {
	IngestionID string
	Source      string
	Err         error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion %s of %s failed: %v", e.IngestionID, e.Source, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// Queue accepts ingestion requests. QueueIngestion returns an ingestion id
// usable to correlate the pipeline's later events.
type Queue interface {
	QueueIngestion(ctx context.Context, req IngestionRequest) (string, error)
}

// Emitter is the slice of the event bus the queue needs.
type Emitter interface {
	Emit(ctx context.Context, event events.Event) (events.Event, error)
}

// NoopQueue accepts every request, emits the queued event, and does nothing
// else. It stands in when no ingestion pipeline is deployed.
type NoopQueue struct {
	bus Emitter
}

// NewNoopQueue builds a queue that only records that a request was made.
func NewNoopQueue(bus Emitter) *NoopQueue {
	return &NoopQueue{bus: bus}
}

// QueueIngestion acknowledges the request without ingesting anything.
func (q *NoopQueue) QueueIngestion(ctx context.Context, req IngestionRequest) (string, error) {
	id := uuid.NewString()
	slog.Info("Ingestion queued (noop)", "ingestion_id", id, "source", req.Source)

	if q.bus != nil {
		_, err := q.bus.Emit(ctx, events.Event{
			Domain:        events.DomainKnowledge,
			WorkflowID:    req.WorkflowID,
			Type:          events.TypeIngestionQueued,
			Message:       "ingestion queued",
			CorrelationID: id,
			Data: map[string]any{
				"source":       req.Source,
				"content_type": req.ContentType,
			},
		})
		if err != nil {
			return "", err
		}
	}
	return id, nil
}

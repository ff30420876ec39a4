// Package events is the in-process event bus and its WebSocket fan-out:
// non-blocking emission, per-workflow sequencing, subscription filtering,
// and reconnect-backfill against the persistent event log.
package events

import (
	"log/slog"
	"time"
)

// Domain partitions event streams by producer subsystem.
type Domain string

// Event domains.
const (
	DomainWorkflow   Domain = "workflow"
	DomainBrainstorm Domain = "brainstorm"
	DomainOracle     Domain = "oracle"
	DomainKnowledge  Domain = "knowledge"
)

// EventType names what happened. The type determines the log level an event
// is classified under.
type EventType string

// Event types.
const (
	TypeWorkflowStarted   EventType = "workflow_started"
	TypeWorkflowCompleted EventType = "workflow_completed"
	TypeWorkflowFailed    EventType = "workflow_failed"
	TypeWorkflowCancelled EventType = "workflow_cancelled"
	TypeWorkflowResumed   EventType = "workflow_resumed"

	TypePlanCreated      EventType = "plan_created"
	TypePlanValidated    EventType = "plan_validated"
	TypePlanRejected     EventType = "plan_rejected"
	TypeAwaitingApproval EventType = "awaiting_approval"
	TypeApprovalDecision EventType = "approval_decision"

	TypeTaskStarted   EventType = "task_started"
	TypeTaskCompleted EventType = "task_completed"
	TypeTaskFailed    EventType = "task_failed"
	TypeTaskSkipped   EventType = "task_skipped"

	TypeReviewCompleted EventType = "review_completed"
	TypeEvaluation      EventType = "evaluation"

	TypeCheckpointSaved EventType = "checkpoint_saved"
	TypeAgentMessage    EventType = "agent_message"

	TypeIngestionQueued    EventType = "ingestion_queued"
	TypeIngestionCompleted EventType = "ingestion_completed"
	TypeIngestionFailed    EventType = "ingestion_failed"
)

// Event is one entry in a workflow's totally ordered event stream. Sequence
// is assigned at persist time, strictly increasing per workflow.
type Event struct {
	ID            string         `json:"id"`
	Domain        Domain         `json:"domain"`
	WorkflowID    string         `json:"workflow_id"`
	Sequence      int64          `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Agent         string         `json:"agent,omitempty"`
	Type          EventType      `json:"event_type"`
	Level         string         `json:"level"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// LevelFor classifies an event type for logging and the stored level column.
func LevelFor(t EventType) slog.Level {
	switch t {
	case TypeWorkflowFailed, TypeTaskFailed, TypeIngestionFailed:
		return slog.LevelError
	case TypeCheckpointSaved, TypeAgentMessage:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func levelString(l slog.Level) string {
	switch l {
	case slog.LevelError:
		return "error"
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	default:
		return "info"
	}
}

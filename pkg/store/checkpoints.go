package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/amelia-ai/amelia/pkg/state"
)

// Checkpoint is one persisted state snapshot.
type Checkpoint struct {
	WorkflowID string
	Step       int64
	CreatedAt  time.Time
	State      state.ExecutionState
}

// CheckpointStore persists one ExecutionState snapshot per (workflow, step),
// enabling resume and time-travel.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore builds a checkpoint store over the shared client.
func NewCheckpointStore(c *Client) *CheckpointStore {
	return &CheckpointStore{db: c.db}
}

// Save writes the snapshot for a step. Re-saving the same step overwrites
// it, which keeps resume idempotent.
func (s *CheckpointStore) Save(ctx context.Context, workflowID string, step int64, st state.ExecutionState) error {
	data, err := st.Encode()
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (workflow_id, step, state_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (workflow_id, step) DO UPDATE SET state_json = EXCLUDED.state_json, created_at = now()`,
		workflowID, step, data)
	if err != nil {
		return fmt.Errorf("saving checkpoint %s/%d: %w", workflowID, step, err)
	}
	return nil
}

// Latest returns the most recent checkpoint for a workflow, nil when none
// exists.
func (s *CheckpointStore) Latest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, step, created_at, state_json
		FROM checkpoints WHERE workflow_id = $1
		ORDER BY step DESC LIMIT 1`, workflowID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest checkpoint for %s: %w", workflowID, err)
	}
	return cp, nil
}

// History returns all checkpoints for a workflow, newest first.
func (s *CheckpointStore) History(ctx context.Context, workflowID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, step, created_at, state_json
		FROM checkpoints WHERE workflow_id = $1
		ORDER BY step DESC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint history for %s: %w", workflowID, err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// ActiveWorkflows lists workflow ids whose latest checkpoint is not in a
// terminal status. Used for orphan recovery at startup.
func (s *CheckpointStore) ActiveWorkflows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (workflow_id) workflow_id, state_json
		FROM checkpoints ORDER BY workflow_id, step DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var workflowID string
		var data []byte
		if err := rows.Scan(&workflowID, &data); err != nil {
			return nil, err
		}
		st, err := state.Decode(data)
		if err != nil {
			continue
		}
		if !st.WorkflowStatus.Terminal() {
			out = append(out, workflowID)
		}
	}
	return out, rows.Err()
}

// WorkflowSummary is one row of the workflow listing, derived from the
// latest checkpoint.
type WorkflowSummary struct {
	WorkflowID string               `json:"workflow_id"`
	ProfileID  string               `json:"profile_id"`
	Status     state.WorkflowStatus `json:"status"`
	Step       int64                `json:"step"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// ListWorkflows summarizes every known workflow, most recently updated
// first.
func (s *CheckpointStore) ListWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (workflow_id) workflow_id, step, created_at, state_json
		FROM checkpoints ORDER BY workflow_id, step DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []WorkflowSummary
	for rows.Next() {
		var (
			summary WorkflowSummary
			data    []byte
		)
		if err := rows.Scan(&summary.WorkflowID, &summary.Step, &summary.UpdatedAt, &data); err != nil {
			return nil, err
		}
		st, err := state.Decode(data)
		if err != nil {
			continue
		}
		summary.ProfileID = st.ProfileID
		summary.Status = st.WorkflowStatus
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var data []byte
	if err := row.Scan(&cp.WorkflowID, &cp.Step, &cp.CreatedAt, &data); err != nil {
		return nil, err
	}
	st, err := state.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding checkpoint state: %w", err)
	}
	cp.State = st
	return &cp, nil
}

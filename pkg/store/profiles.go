package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/state"
)

// ProfileRecord is the persisted form of a profile, kept alongside the YAML
// registry so the API can report what each workflow ran with.
type ProfileRecord struct {
	ID         string
	Sandbox    config.SandboxConfig
	Agents     map[state.Role]config.AgentConfig
	Tracker    config.TrackerKind
	WorkingDir string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProfileStore persists profile snapshots.
type ProfileStore struct {
	db *sql.DB
}

// NewProfileStore builds a profile store over the shared client.
func NewProfileStore(c *Client) *ProfileStore {
	return &ProfileStore{db: c.db}
}

// Upsert writes or refreshes a profile snapshot.
func (s *ProfileStore) Upsert(ctx context.Context, p *config.Profile) error {
	sandboxJSON, err := json.Marshal(p.Sandbox)
	if err != nil {
		return fmt.Errorf("encoding sandbox config: %w", err)
	}
	agentsJSON, err := json.Marshal(p.Agents)
	if err != nil {
		return fmt.Errorf("encoding agent configs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, sandbox_json, agents_json, tracker, working_dir)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			sandbox_json = EXCLUDED.sandbox_json,
			agents_json = EXCLUDED.agents_json,
			tracker = EXCLUDED.tracker,
			working_dir = EXCLUDED.working_dir,
			updated_at = now()`,
		p.Name, sandboxJSON, agentsJSON, string(p.Tracker), p.WorkingDir)
	if err != nil {
		return fmt.Errorf("upserting profile %s: %w", p.Name, err)
	}
	return nil
}

// Get fetches one profile record, nil when absent.
func (s *ProfileStore) Get(ctx context.Context, id string) (*ProfileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sandbox_json, agents_json, tracker, working_dir, created_at, updated_at
		FROM profiles WHERE id = $1`, id)
	rec, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", id, err)
	}
	return rec, nil
}

// List returns all persisted profiles ordered by id.
func (s *ProfileStore) List(ctx context.Context) ([]ProfileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sandbox_json, agents_json, tracker, working_dir, created_at, updated_at
		FROM profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var out []ProfileRecord
	for rows.Next() {
		rec, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanProfile(row rowScanner) (*ProfileRecord, error) {
	var (
		rec         ProfileRecord
		sandboxJSON []byte
		agentsJSON  []byte
		tracker     string
	)
	if err := row.Scan(&rec.ID, &sandboxJSON, &agentsJSON, &tracker,
		&rec.WorkingDir, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Tracker = config.TrackerKind(tracker)
	if err := json.Unmarshal(sandboxJSON, &rec.Sandbox); err != nil {
		return nil, fmt.Errorf("decoding sandbox config: %w", err)
	}
	if err := json.Unmarshal(agentsJSON, &rec.Agents); err != nil {
		return nil, fmt.Errorf("decoding agent configs: %w", err)
	}
	return &rec, nil
}

package store

import (
	"context"
	"log/slog"
	"time"
)

// RetentionConfig controls the background sweeper.
type RetentionConfig struct {
	// EventTTL is how long event rows live. Zero disables the age sweep.
	EventTTL time.Duration
	// MaxEventsPerWorkflow caps each workflow's event count. Zero disables
	// the cap.
	MaxEventsPerWorkflow int
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration
}

// DefaultRetentionConfig keeps thirty days of events and sweeps hourly.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		EventTTL:      30 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

// Sweeper periodically enforces retention policy:
//   - Removes event rows past their TTL
//   - Trims per-workflow event counts over the cap
//   - Removes expired pairing tokens
//
// All operations are idempotent and safe to run from multiple replicas.
type Sweeper struct {
	cfg     RetentionConfig
	events  *EventStore
	pairing *PairingTokenStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a retention sweeper.
func NewSweeper(cfg RetentionConfig, events *EventStore, pairing *PairingTokenStore) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Sweeper{cfg: cfg, events: events, pairing: pairing}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention sweeper started",
		"event_ttl", s.cfg.EventTTL,
		"max_events_per_workflow", s.cfg.MaxEventsPerWorkflow,
		"interval", s.cfg.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every retention task a single time.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweepExpiredEvents(ctx)
	s.trimWorkflowEvents(ctx)
	s.sweepExpiredPairingTokens(ctx)
}

func (s *Sweeper) sweepExpiredEvents(ctx context.Context) {
	if s.cfg.EventTTL <= 0 {
		return
	}
	count, err := s.events.DeleteOlderThan(ctx, time.Now().Add(-s.cfg.EventTTL))
	if err != nil {
		slog.Error("Retention: event sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed expired events", "count", count)
	}
}

func (s *Sweeper) trimWorkflowEvents(ctx context.Context) {
	if s.cfg.MaxEventsPerWorkflow <= 0 {
		return
	}
	workflows, err := s.events.workflowIDs(ctx)
	if err != nil {
		slog.Error("Retention: listing workflows failed", "error", err)
		return
	}
	for _, id := range workflows {
		if _, err := s.events.TrimWorkflow(ctx, id, s.cfg.MaxEventsPerWorkflow); err != nil {
			slog.Error("Retention: trimming workflow failed", "workflow_id", id, "error", err)
		}
	}
}

func (s *Sweeper) sweepExpiredPairingTokens(ctx context.Context) {
	if s.pairing == nil {
		return
	}
	if _, err := s.pairing.DeleteExpired(ctx); err != nil {
		slog.Error("Retention: pairing token sweep failed", "error", err)
	}
}

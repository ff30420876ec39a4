package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Appender persists an event, assigning its per-workflow sequence and
// filling it into the passed event.
type Appender interface {
	Append(ctx context.Context, event *Event) error
}

// Broadcaster fans an event out to connected clients without blocking.
type Broadcaster interface {
	Broadcast(event Event)
}

// Subscriber receives every emitted event on its own goroutine. Subscribers
// must not block; slow work belongs on a separate goroutine.
type Subscriber func(event Event)

// Bus sequences, persists, and fans out workflow events. Persistence happens
// inline so the sequence exists before anyone sees the event; delivery to
// subscribers and the broadcaster is scheduled asynchronously.
type Bus struct {
	store Appender

	mu          sync.RWMutex
	subscribers []Subscriber
	broadcaster Broadcaster

	// per-workflow emit locks keep sequences gap-free and delivery ordered
	// within a workflow.
	wfMu sync.Mutex
	wfs  map[string]*sync.Mutex
}

// NewBus builds a bus over an event store.
func NewBus(store Appender) *Bus {
	return &Bus{store: store, wfs: make(map[string]*sync.Mutex)}
}

// Subscribe registers an in-process subscriber for all events.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, fn)
	b.mu.Unlock()
}

// SetBroadcaster attaches the WebSocket fan-out.
func (b *Bus) SetBroadcaster(bc Broadcaster) {
	b.mu.Lock()
	b.broadcaster = bc
	b.mu.Unlock()
}

// Emit persists the event and schedules delivery. The returned event carries
// the assigned id and sequence.
func (b *Bus) Emit(ctx context.Context, event Event) (Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Domain == "" {
		event.Domain = DomainWorkflow
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	level := LevelFor(event.Type)
	event.Level = levelString(level)

	wfLock := b.workflowLock(event.WorkflowID)
	wfLock.Lock()
	err := b.store.Append(ctx, &event)
	wfLock.Unlock()
	if err != nil {
		slog.Error("Failed to persist event", "workflow_id", event.WorkflowID, "event_type", string(event.Type), "error", err)
		return Event{}, err
	}

	slog.Log(ctx, level, "Event emitted",
		"workflow_id", event.WorkflowID,
		"event_type", string(event.Type),
		"sequence", event.Sequence,
		"message", event.Message,
	)

	b.mu.RLock()
	subscribers := make([]Subscriber, len(b.subscribers))
	copy(subscribers, b.subscribers)
	broadcaster := b.broadcaster
	b.mu.RUnlock()

	for _, fn := range subscribers {
		go fn(event)
	}
	if broadcaster != nil {
		broadcaster.Broadcast(event)
	}
	return event, nil
}

func (b *Bus) workflowLock(workflowID string) *sync.Mutex {
	b.wfMu.Lock()
	defer b.wfMu.Unlock()
	lock, ok := b.wfs[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		b.wfs[workflowID] = lock
	}
	return lock
}

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory Appender + CatchupQuerier.
type memoryStore struct {
	mu     sync.Mutex
	events []Event
	seqs   map[string]int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{seqs: make(map[string]int64)}
}

func (s *memoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[event.WorkflowID]++
	event.Sequence = s.seqs[event.WorkflowID]
	s.events = append(s.events, *event)
	return nil
}

func (s *memoryStore) LookupEvent(_ context.Context, eventID string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if event.ID == eventID {
			e := event
			return &e, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) EventsSince(_ context.Context, workflowID string, sequence int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, event := range s.events {
		if event.WorkflowID == workflowID && event.Sequence > sequence {
			out = append(out, event)
		}
	}
	return out, nil
}

func TestBusEmitAssignsSequencePerWorkflow(t *testing.T) {
	bus := NewBus(newMemoryStore())

	e1, err := bus.Emit(context.Background(), Event{WorkflowID: "wf-1", Type: TypeWorkflowStarted, Message: "started"})
	require.NoError(t, err)
	e2, err := bus.Emit(context.Background(), Event{WorkflowID: "wf-1", Type: TypePlanCreated, Message: "planned"})
	require.NoError(t, err)
	other, err := bus.Emit(context.Background(), Event{WorkflowID: "wf-2", Type: TypeWorkflowStarted})
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(2), e2.Sequence)
	assert.Equal(t, int64(1), other.Sequence)

	assert.NotEmpty(t, e1.ID)
	assert.False(t, e1.Timestamp.IsZero())
	assert.Equal(t, "info", e1.Level)
}

func TestBusClassifiesLevels(t *testing.T) {
	bus := NewBus(newMemoryStore())

	failed, err := bus.Emit(context.Background(), Event{WorkflowID: "wf-1", Type: TypeTaskFailed})
	require.NoError(t, err)
	assert.Equal(t, "error", failed.Level)

	debug, err := bus.Emit(context.Background(), Event{WorkflowID: "wf-1", Type: TypeCheckpointSaved})
	require.NoError(t, err)
	assert.Equal(t, "debug", debug.Level)
}

func TestBusDeliversToSubscribersAndBroadcaster(t *testing.T) {
	bus := NewBus(newMemoryStore())

	received := make(chan Event, 1)
	bus.Subscribe(func(event Event) { received <- event })

	var bcMu sync.Mutex
	var broadcasted []Event
	bus.SetBroadcaster(broadcasterFunc(func(event Event) {
		bcMu.Lock()
		broadcasted = append(broadcasted, event)
		bcMu.Unlock()
	}))

	emitted, err := bus.Emit(context.Background(), Event{WorkflowID: "wf-1", Type: TypeTaskCompleted})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, emitted.ID, got.ID)
		assert.Equal(t, int64(1), got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	bcMu.Lock()
	defer bcMu.Unlock()
	require.Len(t, broadcasted, 1)
	assert.Equal(t, emitted.ID, broadcasted[0].ID)
}

type broadcasterFunc func(Event)

func (f broadcasterFunc) Broadcast(event Event) { f(event) }

package events

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsTestServer(t *testing.T, m *ConnectionManager) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		m.HandleConnection(r.Context(), ws, r.URL.Query().Get("since"))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg ServerMessage
	require.NoError(t, wsjson.Read(ctx, ws, &msg))
	return msg
}

func seedEvents(t *testing.T, store *memoryStore, workflowID string, n int) []Event {
	t.Helper()
	bus := NewBus(store)
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		event, err := bus.Emit(context.Background(), Event{
			WorkflowID: workflowID,
			Type:       TypeAgentMessage,
			Message:    fmt.Sprintf("event %d", i+1),
		})
		require.NoError(t, err)
		events = append(events, event)
	}
	return events
}

func TestManagerSubscriptionFiltering(t *testing.T) {
	m := NewConnectionManager(newMemoryStore())
	url := wsTestServer(t, m)
	ws := dial(t, url)

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, ws, ClientMessage{Type: MsgSubscribe, WorkflowID: "wf-2"}))

	// Wait for the subscription to land server-side.
	require.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, conn := range m.connections {
			conn.mu.Lock()
			n := len(conn.filters)
			conn.mu.Unlock()
			return n == 1
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	m.Broadcast(Event{ID: "e1", WorkflowID: "wf-1", Type: TypeTaskStarted})
	m.Broadcast(Event{ID: "e2", WorkflowID: "wf-2", Type: TypeTaskStarted})

	msg := readMessage(t, ws)
	require.Equal(t, MsgEvent, msg.Type)
	assert.Equal(t, "e2", msg.Payload.ID)
	assert.Equal(t, "wf-2", msg.Payload.WorkflowID)
}

func TestManagerEmptyFilterReceivesEverything(t *testing.T) {
	m := NewConnectionManager(newMemoryStore())
	ws := dial(t, wsTestServer(t, m))

	require.Eventually(t, func() bool { return m.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	m.Broadcast(Event{ID: "e1", WorkflowID: "wf-9", Type: TypeTaskStarted})

	msg := readMessage(t, ws)
	assert.Equal(t, "e1", msg.Payload.ID)
}

func TestManagerBackfillSinceKnownEvent(t *testing.T) {
	store := newMemoryStore()
	seeded := seedEvents(t, store, "wf-1", 5)

	m := NewConnectionManager(store)
	url := wsTestServer(t, m)
	ws := dial(t, url+"?since="+seeded[1].ID)

	// Events 3..5 replayed in sequence order, then backfill_complete.
	for want := int64(3); want <= 5; want++ {
		msg := readMessage(t, ws)
		require.Equal(t, MsgEvent, msg.Type)
		assert.Equal(t, want, msg.Payload.Sequence)
	}
	done := readMessage(t, ws)
	assert.Equal(t, MsgBackfillComplete, done.Type)
	assert.Equal(t, 3, done.Count)
}

func TestManagerBackfillExpired(t *testing.T) {
	m := NewConnectionManager(newMemoryStore())
	ws := dial(t, wsTestServer(t, m)+"?since=swept-away")

	msg := readMessage(t, ws)
	assert.Equal(t, MsgBackfillExpired, msg.Type)
	assert.Contains(t, msg.Message, "swept-away")
}

func TestConnectionQueuesLiveEventsDuringBackfill(t *testing.T) {
	conn := &connection{
		send:    make(chan ServerMessage, 8),
		done:    make(chan struct{}),
		filters: make(map[string]struct{}),
	}

	conn.mu.Lock()
	conn.backfilling = true
	conn.mu.Unlock()

	conn.deliver(Event{ID: "live-1", WorkflowID: "wf-1"})
	assert.Empty(t, conn.send)

	conn.mu.Lock()
	require.Len(t, conn.queued, 1)
	assert.Equal(t, "live-1", conn.queued[0].ID)
	conn.mu.Unlock()

	// After backfill ends, delivery goes straight to the writer.
	conn.mu.Lock()
	conn.backfilling = false
	conn.mu.Unlock()
	conn.deliver(Event{ID: "live-2", WorkflowID: "wf-1"})
	assert.Len(t, conn.send, 1)
}

// scriptedCatchup serves a fixed backfill and can run a hook mid-query to
// simulate live events arriving while the replay is in flight.
type scriptedCatchup struct {
	anchor *Event
	events []Event
	during func()
}

func (s *scriptedCatchup) LookupEvent(ctx context.Context, eventID string) (*Event, error) {
	return s.anchor, nil
}

func (s *scriptedCatchup) EventsSince(ctx context.Context, workflowID string, sequence int64) ([]Event, error) {
	if s.during != nil {
		s.during()
	}
	return s.events, nil
}

func TestBackfillFlushKeepsQueuedEventsOrdered(t *testing.T) {
	conn := &connection{
		id:      "c-1",
		send:    make(chan ServerMessage, 8),
		done:    make(chan struct{}),
		filters: make(map[string]struct{}),
	}

	delivered := make(chan struct{})
	catchup := &scriptedCatchup{
		anchor: &Event{ID: "e-1", WorkflowID: "wf-1", Sequence: 1},
		events: []Event{
			{ID: "e-2", WorkflowID: "wf-1", Sequence: 2},
			{ID: "e-3", WorkflowID: "wf-1", Sequence: 3},
		},
		during: func() {
			conn.deliver(Event{ID: "live-1", WorkflowID: "wf-1"})
			// A second live event races the end of the backfill; it must
			// never overtake the queued one.
			go func() {
				conn.deliver(Event{ID: "live-2", WorkflowID: "wf-1"})
				close(delivered)
			}()
		},
	}

	m := NewConnectionManager(catchup)
	m.backfill(context.Background(), conn, "e-1")
	<-delivered

	var frames []string
	for len(conn.send) > 0 {
		msg := <-conn.send
		switch msg.Type {
		case MsgEvent:
			frames = append(frames, msg.Payload.ID)
		case MsgBackfillComplete:
			frames = append(frames, "backfill_complete")
		}
	}
	assert.Equal(t, []string{"e-2", "e-3", "backfill_complete", "live-1", "live-2"}, frames)

	conn.mu.Lock()
	assert.False(t, conn.backfilling)
	assert.Empty(t, conn.queued)
	conn.mu.Unlock()
}

func TestManagerShutdownClosesWithGoingAway(t *testing.T) {
	m := NewConnectionManager(newMemoryStore())
	ws := dial(t, wsTestServer(t, m))
	require.Eventually(t, func() bool { return m.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	m.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg ServerMessage
	err := wsjson.Read(ctx, ws, &msg)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

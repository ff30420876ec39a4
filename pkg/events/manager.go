package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	defaultPingInterval = 30 * time.Second
	sendBufferSize      = 64
)

// CatchupQuerier reads the persistent event log for reconnect-backfill.
type CatchupQuerier interface {
	// LookupEvent returns the event with the given id, nil when retention
	// already swept it.
	LookupEvent(ctx context.Context, eventID string) (*Event, error)
	// EventsSince returns the workflow's events with sequence strictly
	// greater than the given one, in sequence order.
	EventsSince(ctx context.Context, workflowID string, sequence int64) ([]Event, error)
}

// connection is one WebSocket client with its subscription filters.
type connection struct {
	id   string
	ws   *websocket.Conn
	send chan ServerMessage
	done chan struct{}

	mu          sync.Mutex
	filters     map[string]struct{}
	backfilling bool
	queued      []Event
	lastPong    time.Time
	closed      bool
}

// close marks the connection dead and releases anyone blocked on done.
// Idempotent.
func (c *connection) close() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		close(c.done)
	}
}

// sendOrDone blocks until the writer takes the message or the connection
// dies.
func (c *connection) sendOrDone(msg ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

// matches applies the subscription filter: an empty set subscribes to
// everything.
func (c *connection) matches(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filters) == 0 {
		return true
	}
	_, ok := c.filters[event.WorkflowID]
	return ok
}

// deliver hands the event to the writer, queueing during backfill so the
// backfill/live join stays ordered. A full send buffer drops the frame;
// live delivery is at-most-once.
func (c *connection) deliver(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.backfilling {
		c.queued = append(c.queued, event)
		return
	}
	select {
	case c.send <- ServerMessage{Type: MsgEvent, Payload: &event}:
	default:
		slog.Warn("Dropping event for slow WebSocket client", "connection_id", c.id, "event_id", event.ID)
	}
}

// ConnectionManager owns every WebSocket client connection and fans events
// out to the ones whose filters match.
type ConnectionManager struct {
	catchup      CatchupQuerier
	pingInterval time.Duration

	mu          sync.RWMutex
	connections map[string]*connection
	shutdown    bool
}

// NewConnectionManager builds a manager over the catchup store.
func NewConnectionManager(catchup CatchupQuerier) *ConnectionManager {
	return &ConnectionManager{
		catchup:      catchup,
		pingInterval: defaultPingInterval,
		connections:  make(map[string]*connection),
	}
}

// HandleConnection serves one client until it disconnects or the manager
// shuts down. since is the optional last-seen event id for backfill.
func (m *ConnectionManager) HandleConnection(ctx context.Context, ws *websocket.Conn, since string) {
	conn := &connection{
		id:      uuid.NewString(),
		ws:      ws,
		send:    make(chan ServerMessage, sendBufferSize),
		done:    make(chan struct{}),
		filters: make(map[string]struct{}),
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	m.connections[conn.id] = conn
	m.mu.Unlock()

	slog.Info("WebSocket client connected", "connection_id", conn.id, "since", since)
	defer m.drop(conn)

	go m.writeLoop(ctx, conn)
	go m.pingLoop(ctx, conn)

	if since != "" {
		m.backfill(ctx, conn, since)
	}

	m.readLoop(ctx, conn)
}

func (m *ConnectionManager) drop(conn *connection) {
	m.mu.Lock()
	delete(m.connections, conn.id)
	m.mu.Unlock()

	conn.close()
	slog.Info("WebSocket client disconnected", "connection_id", conn.id)
}

func (m *ConnectionManager) writeLoop(ctx context.Context, conn *connection) {
	for {
		select {
		case msg := <-conn.send:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn.ws, msg)
			cancel()
			if err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) pingLoop(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case conn.send <- ServerMessage{Type: MsgPing}:
			default:
			}
		case <-conn.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn *connection) {
	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, conn.ws, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket read failed", "connection_id", conn.id, "error", err)
			}
			return
		}

		conn.mu.Lock()
		switch msg.Type {
		case MsgSubscribe:
			if msg.WorkflowID != "" {
				conn.filters[msg.WorkflowID] = struct{}{}
			}
		case MsgUnsubscribe:
			delete(conn.filters, msg.WorkflowID)
		case MsgSubscribeAll:
			conn.filters = make(map[string]struct{})
		case MsgPong:
			conn.lastPong = time.Now()
		}
		conn.mu.Unlock()
	}
}

// backfill replays the persistent log from the client's last-seen event,
// then flushes whatever live events queued up in the meantime.
func (m *ConnectionManager) backfill(ctx context.Context, conn *connection, sinceID string) {
	conn.mu.Lock()
	conn.backfilling = true
	conn.mu.Unlock()

	// The queued flush and the flag clear happen under one lock acquisition:
	// a live event must not reach the send channel between them.
	defer func() {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		for _, event := range conn.queued {
			select {
			case conn.send <- ServerMessage{Type: MsgEvent, Payload: &event}:
			default:
			}
		}
		conn.queued = nil
		conn.backfilling = false
	}()

	anchor, err := m.catchup.LookupEvent(ctx, sinceID)
	if err != nil {
		slog.Error("Backfill lookup failed", "connection_id", conn.id, "since", sinceID, "error", err)
		conn.sendOrDone(ServerMessage{Type: MsgBackfillExpired, Message: "backfill unavailable"})
		return
	}
	if anchor == nil {
		// Retention swept the anchor event; the client restarts from live.
		conn.sendOrDone(ServerMessage{Type: MsgBackfillExpired, Message: "event " + sinceID + " is outside retention"})
		return
	}

	missed, err := m.catchup.EventsSince(ctx, anchor.WorkflowID, anchor.Sequence)
	if err != nil {
		slog.Error("Backfill query failed", "connection_id", conn.id, "workflow_id", anchor.WorkflowID, "error", err)
		conn.sendOrDone(ServerMessage{Type: MsgBackfillExpired, Message: "backfill unavailable"})
		return
	}

	for _, event := range missed {
		if !conn.sendOrDone(ServerMessage{Type: MsgEvent, Payload: &event}) {
			return
		}
	}
	conn.sendOrDone(ServerMessage{Type: MsgBackfillComplete, Count: len(missed)})
	slog.Info("Backfill complete", "connection_id", conn.id, "workflow_id", anchor.WorkflowID, "count", len(missed))
}

// Broadcast fans one event out to every matching connection. Never blocks
// the caller.
func (m *ConnectionManager) Broadcast(event Event) {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if conn.matches(event) {
			conn.deliver(event)
		}
	}
}

// ConnectionCount reports how many clients are connected.
func (m *ConnectionManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Shutdown closes every connection with 1001 going-away. Pending broadcasts
// are dropped.
func (m *ConnectionManager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	conns := make([]*connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.ws.Close(websocket.StatusGoingAway, "shutting down")
	}
	slog.Info("Connection manager shut down", "connections_closed", len(conns))
}

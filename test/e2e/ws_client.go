package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/amelia-ai/amelia/pkg/events"
)

// wsClient is a minimal WebSocket client for the event stream. It answers
// pings and collects server frames.
type wsClient struct {
	conn *websocket.Conn
}

// dialWS connects to /ws/events authenticated via the token query parameter.
// since, when non-empty, requests a backfill from that event id.
func dialWS(t *testing.T, app *TestApp, since string) *wsClient {
	t.Helper()

	url := app.wsURL("/ws/events?token=" + app.DeviceToken)
	if since != "" {
		url += "&since=" + since
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	client := &wsClient{conn: conn}
	t.Cleanup(func() { client.close() })
	return client
}

func (c *wsClient) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// send writes one client protocol message.
func (c *wsClient) send(t *testing.T, msg events.ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c.conn, msg))
}

// tryRead reads one frame, returning the context error on timeout.
func (c *wsClient) tryRead(ctx context.Context) (events.ServerMessage, error) {
	var msg events.ServerMessage
	err := wsjson.Read(ctx, c.conn, &msg)
	return msg, err
}

// collectUntil reads frames until done returns true or the timeout lapses.
// Ping frames are answered and excluded from the result.
func (c *wsClient) collectUntil(t *testing.T, timeout time.Duration, done func(events.ServerMessage) bool) []events.ServerMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var collected []events.ServerMessage
	for {
		var msg events.ServerMessage
		err := wsjson.Read(ctx, c.conn, &msg)
		require.NoError(t, err, "WebSocket read failed after %d frames", len(collected))

		if msg.Type == events.MsgPing {
			c.send(t, events.ClientMessage{Type: events.MsgPong})
			continue
		}
		collected = append(collected, msg)
		if done(msg) {
			return collected
		}
	}
}

// eventTypes extracts the event types from MsgEvent frames, in order.
func eventTypes(msgs []events.ServerMessage) []events.EventType {
	var out []events.EventType
	for _, msg := range msgs {
		if msg.Type == events.MsgEvent && msg.Payload != nil {
			out = append(out, msg.Payload.Type)
		}
	}
	return out
}

package events

// WebSocket protocol message types.
const (
	// client to server
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
	MsgSubscribeAll = "subscribe_all"
	MsgPong         = "pong"

	// server to client
	MsgEvent            = "event"
	MsgPing             = "ping"
	MsgBackfillComplete = "backfill_complete"
	MsgBackfillExpired  = "backfill_expired"
)

// ClientMessage is what a WebSocket client sends.
type ClientMessage struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// ServerMessage is what the server sends to a client.
type ServerMessage struct {
	Type string `json:"type"`
	// Payload holds the event for MsgEvent frames.
	Payload *Event `json:"payload,omitempty"`
	// Count is the number of backfilled events on MsgBackfillComplete.
	Count int `json:"count,omitempty"`
	// Message carries the human-readable reason on MsgBackfillExpired.
	Message string `json:"message,omitempty"`
}

// Package gateway is the fan-out layer between the delivery engine and live
// WebSocket sessions. Destinations are opaque strings: chat keys such as
// "room:general", broadcast topics such as "topic:user-status", and per-user
// queues such as "queue:read-receipts". Sessions subscribe to destinations;
// the engine publishes frames to them and never touches a socket directly.
package gateway

import "encoding/json"

// Well-known broadcast and per-user queue destinations.
const (
	TopicUserStatus   = "topic:user-status"
	QueueReadReceipts = "queue:read-receipts"
	QueueHeartbeat    = "queue:heartbeat"
	QueueSession      = "queue:session"
)

// Frame is the JSON envelope exchanged with clients in both directions.
type Frame struct {
	// Type identifies the event: "message", "status", "read_receipt",
	// "presence", "typing", "ping", "heartbeat_ack", "connected", "error"
	// from the server; "send", "enter", "leave", "mark_read", "visibility",
	// "typing", "heartbeat" from the client.
	Type string `json:"type"`

	// Dest is the destination the frame was published to (server → client)
	// or targets (client → server).
	Dest string `json:"dest,omitempty"`

	// Payload is the type-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a Frame, marshalling payload. A payload that fails to
// marshal yields an empty payload; all engine payload types are plain
// structs, so this does not happen in practice.
func NewFrame(typ, dest string, payload any) Frame {
	f := Frame{Type: typ, Dest: dest}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			f.Payload = raw
		}
	}
	return f
}

// Sender is what the delivery engine needs from the gateway: publish to a
// destination's subscribers, push to every session of one user, or push to a
// single session.
type Sender interface {
	Publish(dest string, f Frame)
	SendToUser(user string, f Frame)
	SendToSession(sessionID string, f Frame)
}

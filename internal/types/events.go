package types

// Presence event reasons carried on PresenceEvent.Reason. A plain disconnect
// and a heartbeat eviction produce the same OFFLINE state but clients may want
// to render them differently.
const (
	ReasonDisconnect       = "DISCONNECT"
	ReasonHeartbeatTimeout = "HEARTBEAT_TIMEOUT"
)

// StatusUpdate announces that a message advanced to a new delivery state.
type StatusUpdate struct {
	MessageID string `json:"message_id"`
	Chat      string `json:"chat"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}

// ReadReceipt tells a sender which of their messages a user has read.
// A batched catch-up read lists every affected message in one receipt.
type ReadReceipt struct {
	MessageIDs []string `json:"message_ids"`
	Chat       string   `json:"chat"`
	ReaderID   string   `json:"reader_id"`
	ReadAt     int64    `json:"read_at"`
}

// PresenceEvent announces a user coming online or going offline.
type PresenceEvent struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
	Reason string `json:"reason,omitempty"`
	At     int64  `json:"at"`
}

// TypingEvent announces that a user started or stopped typing in a chat.
type TypingEvent struct {
	UserID string `json:"user_id"`
	Chat   string `json:"chat"`
	Typing bool   `json:"typing"`
}

// PingEvent is a server-initiated liveness probe for one session.
type PingEvent struct {
	At int64 `json:"at"`
}

// HeartbeatAck confirms receipt of a client heartbeat.
type HeartbeatAck struct {
	SessionID string `json:"session_id"`
	At        int64  `json:"at"`
}

// Connected confirms a freshly established session to its owner.
type Connected struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	At        int64  `json:"at"`
}

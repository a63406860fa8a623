// Package types contains the core domain types shared across all ChatCore
// internal packages. It deliberately has zero imports of other ChatCore packages
// so that the store, delivery, and transport layers can all import from it
// without creating import cycles.
package types

import (
	"fmt"
	"strings"
)

// Status is the delivery lifecycle state of a chat message.
type Status uint8

const (
	// StatusSent means the message has been accepted and persisted but no
	// recipient has received it yet.
	StatusSent Status = iota
	// StatusDelivered means at least one recipient's client has received the
	// message.
	StatusDelivered
	// StatusRead means the recipient has seen the message. Terminal.
	StatusRead
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// ValidTransition reports whether a message status may move from one state to
// another. Statuses only ever advance: SENT → DELIVERED → READ, and skipping
// DELIVERED is allowed when a recipient reads a message that was never marked
// delivered. Transitions backwards or to the same state are rejected.
func ValidTransition(from, to Status) bool {
	return to > from && to <= StatusRead
}

// ChatKind distinguishes the two chat surfaces.
type ChatKind uint8

const (
	// KindRoom is a named multi-member room.
	KindRoom ChatKind = iota
	// KindConversation is a direct two-party conversation.
	KindConversation
)

// String returns the wire prefix for the kind.
func (k ChatKind) String() string {
	if k == KindConversation {
		return "conversation"
	}
	return "room"
}

// ChatKey identifies a single chat surface (a room or a conversation).
// Its string form, "room:{id}" or "conversation:{id}", is the canonical
// routing destination used by the gateway and the viewer tracker.
type ChatKey struct {
	Kind ChatKind
	ID   string
}

// RoomKey returns the ChatKey for a room id.
func RoomKey(id string) ChatKey { return ChatKey{Kind: KindRoom, ID: id} }

// ConversationKey returns the ChatKey for a conversation id.
func ConversationKey(id string) ChatKey { return ChatKey{Kind: KindConversation, ID: id} }

// String renders the canonical "kind:id" form.
func (k ChatKey) String() string {
	return k.Kind.String() + ":" + k.ID
}

// IsConversation reports whether the key names a direct conversation.
func (k ChatKey) IsConversation() bool { return k.Kind == KindConversation }

// ParseChatKey parses the canonical "room:{id}" / "conversation:{id}" form.
func ParseChatKey(s string) (ChatKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ChatKey{}, fmt.Errorf("malformed chat key %q", s)
	}
	switch kind {
	case "room":
		return RoomKey(id), nil
	case "conversation":
		return ConversationKey(id), nil
	default:
		return ChatKey{}, fmt.Errorf("unknown chat kind %q", kind)
	}
}

// Message is the canonical unit of chat data.
//
// Design rules:
//   - Message format is final. Only optional fields may be added. Never rename
//     or remove a field — existing persisted messages must always be readable.
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - IDs are ULID strings: time-sortable and globally unique, so a
//     conversation's messages iterate in send order by ID alone.
type Message struct {
	// ID is a ULID uniquely identifying this message.
	ID string `json:"id"`

	// Chat identifies the room or conversation the message belongs to.
	Chat ChatKey `json:"-"`

	// SenderID is the user who sent the message.
	SenderID string `json:"sender_id"`

	// Content is the message text. Encoding beyond UTF-8 is the client's
	// concern.
	Content string `json:"content"`

	// Status is the current delivery state. Advances monotonically.
	Status Status `json:"status"`

	// CreatedAt is the UTC millisecond when the engine accepted the message.
	CreatedAt int64 `json:"created_at"`

	// Deleted marks a soft-deleted message. Deleted messages keep their slot
	// in history but are excluded from unread queries.
	Deleted bool `json:"deleted,omitempty"`
}

// Clone returns a shallow copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// Session is one live client connection for a user. A user may hold several
// sessions at once (phone and desktop); presence is the union of them.
type Session struct {
	// ID is a UUID assigned at connect time.
	ID string `json:"id"`

	// UserID and Username identify the authenticated owner.
	UserID   string `json:"user_id"`
	Username string `json:"username"`

	// ConnectedAt is the UTC millisecond when the session was established.
	ConnectedAt int64 `json:"connected_at"`
}

// Package store defines the persistence interface for chat history and the
// domain records the delivery engine reads and writes. The bbolt-backed
// implementation lives in bolt.go.
package store

import (
	"errors"

	"github.com/revotech/chatcore/internal/types"
)

// ErrNotFound is returned when a message, conversation, or room does not exist.
var ErrNotFound = errors.New("store: not found")

// Conversation is a direct two-party chat.
type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
}

// Other returns the participant that is not user, and false if user is not a
// participant at all.
func (c Conversation) Other(user string) (string, bool) {
	switch user {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	default:
		return "", false
	}
}

// Has reports whether user participates in the conversation.
func (c Conversation) Has(user string) bool {
	return user == c.Participants[0] || user == c.Participants[1]
}

// Room is a named multi-member chat.
type Room struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members"`
}

// Has reports whether user is a member of the room.
func (r Room) Has(user string) bool {
	for _, m := range r.Members {
		if m == user {
			return true
		}
	}
	return false
}

// Store persists messages, chat membership, and room read watermarks.
// All methods are safe for concurrent use.
type Store interface {
	// SaveMessage persists a new message and adds it to its chat's index.
	SaveMessage(m *types.Message) error

	// Message returns the message by ID, or ErrNotFound.
	Message(id string) (*types.Message, error)

	// SetStatus updates a message's delivery status. The caller is responsible
	// for transition validity; SetStatus only persists.
	SetStatus(id string, status types.Status) error

	// SetDeleted soft-deletes (or restores) a message.
	SetDeleted(id string, deleted bool) error

	// Messages returns the chat's messages in send order, newest limit of
	// them. limit <= 0 means all.
	Messages(chat types.ChatKey, limit int) ([]*types.Message, error)

	// UnreadInConversation returns, in send order, the conversation's
	// messages that user has not read: status below READ, sent by the other
	// party, and not soft-deleted.
	UnreadInConversation(convID, user string) ([]*types.Message, error)

	// CountUnread counts what UnreadInConversation would return.
	CountUnread(convID, user string) (int, error)

	// Conversation and Room look up chat membership records.
	Conversation(id string) (Conversation, error)
	Room(id string) (Room, error)

	// PutConversation and PutRoom upsert chat membership records.
	PutConversation(c Conversation) error
	PutRoom(r Room) error

	// SetRoomWatermark advances user's last-read position in a room. The
	// watermark is a message ID and only ever moves forward; calls with an
	// older ID are ignored.
	SetRoomWatermark(roomID, user, messageID string) error

	// RoomWatermark returns user's last-read message ID in a room, or ""
	// if none has been recorded.
	RoomWatermark(roomID, user string) (string, error)

	// Close releases the underlying database.
	Close() error
}

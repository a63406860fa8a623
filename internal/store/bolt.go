package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/revotech/chatcore/internal/types"
)

var (
	bucketMessages      = []byte("messages")      // msgID → JSON message
	bucketChatIndex     = []byte("chat_index")    // chatKey + 0x00 + msgID → nil
	bucketConversations = []byte("conversations") // convID → JSON conversation
	bucketRooms         = []byte("rooms")         // roomID → JSON room
	bucketWatermarks    = []byte("watermarks")    // roomID + 0x00 + user → msgID
)

// indexSep separates the chat key from the message ID in chat_index keys.
// Neither half can contain a NUL byte, so prefix scans are unambiguous.
const indexSep = byte(0)

// Bolt is a bbolt-backed Store.
//
// bbolt is chosen because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID — history stays consistent even after a crash
//   - Single file (chat.db inside the data directory)
//   - Well-maintained (used by etcd in production)
//
// Message IDs are ULIDs, so the chat_index bucket's byte order is send order
// and unread scans are a single prefix cursor walk.
type Bolt struct {
	db *bbolt.DB
}

var _ Store = (*Bolt)(nil)

// Open opens (or creates) the bbolt store at path.
func Open(path string) (*Bolt, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// Ensure all buckets exist.
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketChatIndex, bucketConversations, bucketRooms, bucketWatermarks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// SaveMessage persists m and records it in its chat's index.
func (s *Bolt) SaveMessage(m *types.Message) error {
	val, err := marshalMessage(m)
	if err != nil {
		return fmt.Errorf("store: marshal message %s: %w", m.ID, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMessages).Put([]byte(m.ID), val); err != nil {
			return err
		}
		return tx.Bucket(bucketChatIndex).Put(indexKey(m.Chat, m.ID), nil)
	})
}

// Message retrieves the message by ID, or ErrNotFound.
func (s *Bolt) Message(id string) (*types.Message, error) {
	var m *types.Message

	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketMessages).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		var err error
		m, err = unmarshalMessage(val)
		return err
	})

	return m, err
}

// SetStatus persists a new status for the message.
func (s *Bolt) SetStatus(id string, status types.Status) error {
	return s.updateMessage(id, func(m *types.Message) {
		m.Status = status
	})
}

// SetDeleted soft-deletes or restores the message.
func (s *Bolt) SetDeleted(id string, deleted bool) error {
	return s.updateMessage(id, func(m *types.Message) {
		m.Deleted = deleted
	})
}

// updateMessage reads, mutates, and rewrites one message in a single
// transaction.
func (s *Bolt) updateMessage(id string, mutate func(*types.Message)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		val := b.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		m, err := unmarshalMessage(val)
		if err != nil {
			return err
		}
		mutate(m)
		out, err := marshalMessage(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// Messages returns the chat's messages in send order, at most the newest
// limit of them.
func (s *Bolt) Messages(chat types.ChatKey, limit int) ([]*types.Message, error) {
	var out []*types.Message

	err := s.db.View(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		return s.scanChat(tx, chat, func(msgID []byte) error {
			val := msgs.Get(msgID)
			if val == nil {
				// Index entry without a body — skip rather than fail the scan.
				return nil
			}
			m, err := unmarshalMessage(val)
			if err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// UnreadInConversation returns, in send order, the messages in convID that
// user has not read.
func (s *Bolt) UnreadInConversation(convID, user string) ([]*types.Message, error) {
	var out []*types.Message
	err := s.forEachUnread(convID, user, func(m *types.Message) {
		out = append(out, m)
	})
	return out, err
}

// CountUnread counts the unread messages in convID for user.
func (s *Bolt) CountUnread(convID, user string) (int, error) {
	var n int
	err := s.forEachUnread(convID, user, func(*types.Message) { n++ })
	return n, err
}

// forEachUnread walks the conversation's index and calls fn for each message
// that user has not read: status below READ, sent by the other party, not
// soft-deleted.
func (s *Bolt) forEachUnread(convID, user string, fn func(*types.Message)) error {
	chat := types.ConversationKey(convID)

	return s.db.View(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		return s.scanChat(tx, chat, func(msgID []byte) error {
			val := msgs.Get(msgID)
			if val == nil {
				return nil
			}
			m, err := unmarshalMessage(val)
			if err != nil {
				return err
			}
			if m.Status >= types.StatusRead || m.SenderID == user || m.Deleted {
				return nil
			}
			fn(m)
			return nil
		})
	})
}

// scanChat walks the chat_index prefix for chat in key (send) order.
// MUST be called inside a View/Update transaction.
func (s *Bolt) scanChat(tx *bbolt.Tx, chat types.ChatKey, fn func(msgID []byte) error) error {
	prefix := append([]byte(chat.String()), indexSep)
	c := tx.Bucket(bucketChatIndex).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := fn(k[len(prefix):]); err != nil {
			return err
		}
	}
	return nil
}

// Conversation looks up a conversation record, or ErrNotFound.
func (s *Bolt) Conversation(id string) (Conversation, error) {
	var conv Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketConversations).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &conv)
	})
	return conv, err
}

// Room looks up a room record, or ErrNotFound.
func (s *Bolt) Room(id string) (Room, error) {
	var room Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRooms).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &room)
	})
	return room, err
}

// PutConversation upserts a conversation record.
func (s *Bolt) PutConversation(c Conversation) error {
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal conversation %s: %w", c.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).Put([]byte(c.ID), val)
	})
}

// PutRoom upserts a room record.
func (s *Bolt) PutRoom(r Room) error {
	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal room %s: %w", r.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).Put([]byte(r.ID), val)
	})
}

// SetRoomWatermark advances user's last-read position in roomID.
// ULIDs compare bytewise in time order, so a simple byte comparison enforces
// the forward-only rule.
func (s *Bolt) SetRoomWatermark(roomID, user, messageID string) error {
	key := watermarkKey(roomID, user)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWatermarks)
		if prev := b.Get(key); prev != nil && string(prev) >= messageID {
			return nil
		}
		return b.Put(key, []byte(messageID))
	})
}

// RoomWatermark returns user's last-read message ID in roomID, or "".
func (s *Bolt) RoomWatermark(roomID, user string) (string, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if val := tx.Bucket(bucketWatermarks).Get(watermarkKey(roomID, user)); val != nil {
			id = string(val)
		}
		return nil
	})
	return id, err
}

// ---- key and serialisation helpers ------------------------------------------

func indexKey(chat types.ChatKey, msgID string) []byte {
	k := append([]byte(chat.String()), indexSep)
	return append(k, msgID...)
}

func watermarkKey(roomID, user string) []byte {
	k := append([]byte(roomID), indexSep)
	return append(k, user...)
}

// storedMessage is the on-disk form of a message. The chat key is stored as
// its canonical string. Fields are only ever added, never renamed or removed,
// so old records stay readable.
type storedMessage struct {
	ID        string `json:"id"`
	Chat      string `json:"chat"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Status    uint8  `json:"status"`
	CreatedAt int64  `json:"created_at"`
	Deleted   bool   `json:"deleted,omitempty"`
}

func marshalMessage(m *types.Message) ([]byte, error) {
	return json.Marshal(storedMessage{
		ID:        m.ID,
		Chat:      m.Chat.String(),
		SenderID:  m.SenderID,
		Content:   m.Content,
		Status:    uint8(m.Status),
		CreatedAt: m.CreatedAt,
		Deleted:   m.Deleted,
	})
}

func unmarshalMessage(val []byte) (*types.Message, error) {
	var sm storedMessage
	if err := json.Unmarshal(val, &sm); err != nil {
		return nil, err
	}
	chat, err := types.ParseChatKey(sm.Chat)
	if err != nil {
		return nil, fmt.Errorf("store: message %s: %w", sm.ID, err)
	}
	return &types.Message{
		ID:        sm.ID,
		Chat:      chat,
		SenderID:  sm.SenderID,
		Content:   sm.Content,
		Status:    types.Status(sm.Status),
		CreatedAt: sm.CreatedAt,
		Deleted:   sm.Deleted,
	}, nil
}

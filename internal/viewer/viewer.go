// Package viewer tracks which sessions are actively viewing which chat.
// "Viewing" means the chat is open and focused on the client; the delivery
// engine uses it to decide whether a freshly sent message should auto-advance
// to READ and which chats need cleanup when a session dies.
package viewer

import (
	"sync"

	"github.com/revotech/chatcore/internal/types"
)

// Tracker is an in-memory viewer index. It keeps a forward index
// (chat → sessions) for viewer queries and a reverse index (session → chats)
// so a dead session can be swept from every chat it had open in one call.
// Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	chats map[string]map[string]string   // chat key → sessionID → userID
	bySes map[string]map[string]struct{} // sessionID → chat key set
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		chats: make(map[string]map[string]string),
		bySes: make(map[string]map[string]struct{}),
	}
}

// Enter records that session (owned by user) is now viewing chat.
func (t *Tracker) Enter(chat types.ChatKey, sessionID, user string) {
	key := chat.String()
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.chats[key]
	if !ok {
		set = make(map[string]string)
		t.chats[key] = set
	}
	set[sessionID] = user

	keys, ok := t.bySes[sessionID]
	if !ok {
		keys = make(map[string]struct{})
		t.bySes[sessionID] = keys
	}
	keys[key] = struct{}{}
}

// Leave records that session stopped viewing chat. Unknown pairs are a
// silent no-op. Empty chat entries are pruned.
func (t *Tracker) Leave(chat types.ChatKey, sessionID string) {
	key := chat.String()
	t.mu.Lock()
	defer t.mu.Unlock()

	if set, ok := t.chats[key]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(t.chats, key)
		}
	}
	if keys, ok := t.bySes[sessionID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(t.bySes, sessionID)
		}
	}
}

// RemoveSession drops session from every chat it was viewing and returns the
// affected chat keys. Used when a session disconnects or is evicted.
func (t *Tracker) RemoveSession(sessionID string) []types.ChatKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys, ok := t.bySes[sessionID]
	if !ok {
		return nil
	}
	delete(t.bySes, sessionID)

	out := make([]types.ChatKey, 0, len(keys))
	for key := range keys {
		if set, ok := t.chats[key]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(t.chats, key)
			}
		}
		if ck, err := types.ParseChatKey(key); err == nil {
			out = append(out, ck)
		}
	}
	return out
}

// IsViewing reports whether user has at least one session viewing chat.
func (t *Tracker) IsViewing(chat types.ChatKey, user string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, u := range t.chats[chat.String()] {
		if u == user {
			return true
		}
	}
	return false
}

// Viewers returns the distinct users with a session viewing chat.
func (t *Tracker) Viewers(chat types.ChatKey) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{})
	for _, u := range t.chats[chat.String()] {
		seen[u] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	return out
}

// Count returns the number of sessions viewing chat.
func (t *Tracker) Count(chat types.ChatKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chats[chat.String()])
}

// Package presence tracks which users are online, where a user counts as
// online while at least one of their sessions is connected. The registry
// reports edge transitions (first session up, last session down) so the
// delivery engine broadcasts exactly one ONLINE and one OFFLINE event per
// user regardless of how many devices they connect from.
package presence

import (
	"sync"

	"github.com/revotech/chatcore/internal/types"
)

// Registry is an in-memory session registry. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[string]types.Session // userID → sessionID → session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]types.Session),
	}
}

// MarkOnline records a session for user. It returns true when this is the
// user's first live session, i.e. the user just transitioned to online.
// Re-registering an existing session ID overwrites it and reports false.
func (r *Registry) MarkOnline(user string, sess types.Session) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[user]
	if !ok {
		set = make(map[string]types.Session)
		r.sessions[user] = set
	}
	first = len(set) == 0
	set[sess.ID] = sess
	return first
}

// MarkOffline removes one session for user. It returns true when that was the
// user's last session, i.e. the user just transitioned to offline. Unknown
// users or session IDs are a silent no-op returning false.
func (r *Registry) MarkOffline(user, sessionID string) (wasLast bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[user]
	if !ok {
		return false
	}
	if _, ok := set[sessionID]; !ok {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.sessions, user)
		return true
	}
	return false
}

// IsOnline reports whether user has at least one live session.
func (r *Registry) IsOnline(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[user]) > 0
}

// Sessions returns a snapshot of user's live sessions.
func (r *Registry) Sessions(user string) []types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.sessions[user]
	out := make([]types.Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// OnlineUsers returns a snapshot of every user with at least one session.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.sessions))
	for u := range r.sessions {
		out = append(out, u)
	}
	return out
}

// OnlineCount returns the number of online users.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionCount returns the total number of live sessions across all users.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, set := range r.sessions {
		n += len(set)
	}
	return n
}

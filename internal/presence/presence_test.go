package presence_test

import (
	"testing"

	"github.com/revotech/chatcore/internal/presence"
	"github.com/revotech/chatcore/internal/types"
)

func sess(id string) types.Session {
	return types.Session{ID: id, UserID: "alice", Username: "alice"}
}

func TestMarkOnline_FirstSessionOnly(t *testing.T) {
	r := presence.NewRegistry()

	if first := r.MarkOnline("alice", sess("s1")); !first {
		t.Error("first session should report first=true")
	}
	if first := r.MarkOnline("alice", sess("s2")); first {
		t.Error("second session should report first=false")
	}
	if !r.IsOnline("alice") {
		t.Error("alice should be online")
	}
	if r.SessionCount() != 2 {
		t.Errorf("SessionCount: want 2, got %d", r.SessionCount())
	}
}

func TestMarkOffline_LastSessionOnly(t *testing.T) {
	r := presence.NewRegistry()
	r.MarkOnline("alice", sess("s1"))
	r.MarkOnline("alice", sess("s2"))

	// Dropping one of two sessions keeps the user online.
	if wasLast := r.MarkOffline("alice", "s1"); wasLast {
		t.Error("removing one of two sessions must not report wasLast")
	}
	if !r.IsOnline("alice") {
		t.Error("alice should still be online with one session left")
	}

	// Dropping the final session takes the user offline.
	if wasLast := r.MarkOffline("alice", "s2"); !wasLast {
		t.Error("removing the final session must report wasLast")
	}
	if r.IsOnline("alice") {
		t.Error("alice should be offline")
	}
	if r.OnlineCount() != 0 {
		t.Errorf("OnlineCount: want 0, got %d", r.OnlineCount())
	}
}

func TestMarkOffline_UnknownIsNoop(t *testing.T) {
	r := presence.NewRegistry()

	if r.MarkOffline("ghost", "s1") {
		t.Error("unknown user must be a silent no-op")
	}

	r.MarkOnline("alice", sess("s1"))
	if r.MarkOffline("alice", "wrong-session") {
		t.Error("unknown session must be a silent no-op")
	}
	if !r.IsOnline("alice") {
		t.Error("no-op removal must not affect presence")
	}
}

func TestMarkOnline_DuplicateSessionID(t *testing.T) {
	r := presence.NewRegistry()
	r.MarkOnline("alice", sess("s1"))
	r.MarkOnline("alice", sess("s1")) // re-register, overwrites

	if r.SessionCount() != 1 {
		t.Errorf("duplicate session ID must not double-count, got %d", r.SessionCount())
	}
	if !r.MarkOffline("alice", "s1") {
		t.Error("removing the only session must report wasLast")
	}
}

func TestOnlineUsers_Snapshot(t *testing.T) {
	r := presence.NewRegistry()
	r.MarkOnline("alice", types.Session{ID: "s1", UserID: "alice"})
	r.MarkOnline("bob", types.Session{ID: "s2", UserID: "bob"})

	users := r.OnlineUsers()
	if len(users) != 2 {
		t.Fatalf("OnlineUsers: want 2, got %d", len(users))
	}
	seen := map[string]bool{}
	for _, u := range users {
		seen[u] = true
	}
	if !seen["alice"] || !seen["bob"] {
		t.Errorf("OnlineUsers missing entries: %v", users)
	}
}

func TestSessions_ReturnsCopies(t *testing.T) {
	r := presence.NewRegistry()
	r.MarkOnline("alice", sess("s1"))

	sessions := r.Sessions("alice")
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Fatalf("Sessions: %+v", sessions)
	}
	if got := r.Sessions("ghost"); len(got) != 0 {
		t.Errorf("Sessions for unknown user should be empty, got %d", len(got))
	}
}

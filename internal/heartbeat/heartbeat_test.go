package heartbeat_test

import (
	"sync"
	"testing"
	"time"

	"github.com/revotech/chatcore/internal/heartbeat"
	"github.com/revotech/chatcore/internal/types"
)

// fakeClock is a manually advanced clock for deterministic sweep tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// collector gathers callback sessions concurrency-safely.
type collector struct {
	mu       sync.Mutex
	sessions []types.Session
}

func (c *collector) fn(s types.Session) {
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sessions))
	for i, s := range c.sessions {
		out[i] = s.ID
	}
	return out
}

func newTestMonitor(clock *fakeClock, probes, evicts *collector) *heartbeat.Monitor {
	m := heartbeat.NewMonitor(heartbeat.Config{
		Timeout:         60 * time.Second,
		PingInterval:    30 * time.Second,
		SweepInterval:   30 * time.Second,
		MissedThreshold: 3,
	}, probes.fn, evicts.fn)
	m.SetNowFunc(clock.now)
	return m
}

func TestRecordHeartbeat_KeepsSessionAlive(t *testing.T) {
	clock := newFakeClock()
	probes, evicts := &collector{}, &collector{}
	m := newTestMonitor(clock, probes, evicts)

	m.Track(types.Session{ID: "s1", UserID: "alice"})

	// Heartbeat every 30s for 3 minutes: never evicted.
	for i := 0; i < 6; i++ {
		clock.advance(30 * time.Second)
		if !m.RecordHeartbeat("s1") {
			t.Fatal("RecordHeartbeat for tracked session returned false")
		}
		m.SweepNow()
	}

	if evicts.len() != 0 {
		t.Errorf("heartbeating session was evicted %d times", evicts.len())
	}
	if st, ok := m.SessionState("s1"); !ok || st != heartbeat.StateAlive {
		t.Errorf("expected alive, got %v (tracked=%v)", st, ok)
	}
}

func TestSweep_EvictsAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	probes, evicts := &collector{}, &collector{}
	m := newTestMonitor(clock, probes, evicts)

	m.Track(types.Session{ID: "s1", UserID: "alice"})

	// Inside the timeout window: no eviction.
	clock.advance(59 * time.Second)
	m.SweepNow()
	if evicts.len() != 0 {
		t.Fatal("evicted before the timeout elapsed")
	}

	// Past the timeout: evicted exactly once and untracked.
	clock.advance(2 * time.Second)
	m.SweepNow()
	if evicts.len() != 1 || evicts.ids()[0] != "s1" {
		t.Fatalf("expected one eviction of s1, got %v", evicts.ids())
	}
	if m.TrackedCount() != 0 {
		t.Errorf("evicted session still tracked")
	}

	// A second sweep must not evict again.
	m.SweepNow()
	if evicts.len() != 1 {
		t.Errorf("eviction fired twice")
	}
}

func TestProbe_MissedPingsEscalateToEviction(t *testing.T) {
	clock := newFakeClock()
	probes, evicts := &collector{}, &collector{}
	m := newTestMonitor(clock, probes, evicts)

	m.Track(types.Session{ID: "s1", UserID: "alice"})

	// Three silent probe intervals push missedPings to the threshold.
	for i := 0; i < 3; i++ {
		clock.advance(30 * time.Second)
		m.ProbeNow()
	}
	if probes.len() != 3 {
		t.Fatalf("expected 3 probes, got %d", probes.len())
	}
	if st, _ := m.SessionState("s1"); st != heartbeat.StateSuspect {
		t.Errorf("expected suspect after missed probes, got %v", st)
	}

	m.SweepNow()
	if evicts.len() != 1 {
		t.Fatalf("expected eviction at missed-ping threshold, got %d", evicts.len())
	}
}

func TestProbe_AnsweredPingResetsSuspect(t *testing.T) {
	clock := newFakeClock()
	probes, evicts := &collector{}, &collector{}
	m := newTestMonitor(clock, probes, evicts)

	m.Track(types.Session{ID: "s1", UserID: "alice"})

	clock.advance(30 * time.Second)
	m.ProbeNow()
	if st, _ := m.SessionState("s1"); st != heartbeat.StateSuspect {
		t.Fatalf("expected suspect after silent probe, got %v", st)
	}

	// The client answers: back to alive, counter cleared.
	m.RecordHeartbeat("s1")
	if st, _ := m.SessionState("s1"); st != heartbeat.StateAlive {
		t.Errorf("expected alive after heartbeat, got %v", st)
	}

	// Two more silent probes stay under the threshold of 3.
	clock.advance(30 * time.Second)
	m.ProbeNow()
	clock.advance(30 * time.Second)
	m.ProbeNow()
	m.SweepNow()
	if evicts.len() != 0 {
		t.Errorf("reset counter should have prevented eviction")
	}
}

func TestUntrack_IdempotentWithEviction(t *testing.T) {
	clock := newFakeClock()
	probes, evicts := &collector{}, &collector{}
	m := newTestMonitor(clock, probes, evicts)

	m.Track(types.Session{ID: "s1", UserID: "alice"})

	if !m.Untrack("s1") {
		t.Fatal("first Untrack should return true")
	}
	if m.Untrack("s1") {
		t.Error("second Untrack should return false")
	}
	if m.RecordHeartbeat("s1") {
		t.Error("heartbeat for untracked session should return false")
	}

	// A later sweep finds nothing.
	clock.advance(5 * time.Minute)
	m.SweepNow()
	if evicts.len() != 0 {
		t.Errorf("untracked session was evicted")
	}
}

func TestProbe_FreshSessionNotProbed(t *testing.T) {
	clock := newFakeClock()
	probes, evicts := &collector{}, &collector{}
	m := newTestMonitor(clock, probes, evicts)

	m.Track(types.Session{ID: "s1", UserID: "alice"})
	m.ProbeNow()
	if probes.len() != 0 {
		t.Errorf("freshly tracked session probed %d times", probes.len())
	}
}

// Package heartbeat tracks session liveness. Clients send heartbeats on an
// interval; the monitor probes quiet sessions and evicts the ones that stay
// silent, so a yanked network cable eventually produces the same cleanup as
// a clean disconnect.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/revotech/chatcore/internal/types"
)

// State is the liveness state of a tracked session.
type State uint8

const (
	// StateAlive means the session heartbeated within the ping interval.
	StateAlive State = iota
	// StateSuspect means at least one probe has gone unanswered.
	StateSuspect
	// StateEvicted means the monitor gave up on the session.
	StateEvicted
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Config are the liveness thresholds. Zero values are replaced with defaults
// matching config.Default().
type Config struct {
	// Timeout is how long a session may go without a heartbeat before the
	// sweep evicts it.
	Timeout time.Duration
	// PingInterval is how often quiet sessions are probed.
	PingInterval time.Duration
	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration
	// MissedThreshold evicts a session after this many unanswered probes,
	// even inside the timeout window.
	MissedThreshold int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MissedThreshold <= 0 {
		c.MissedThreshold = 3
	}
}

// entry is the monitor's book-keeping for one session.
type entry struct {
	sess          types.Session
	lastHeartbeat time.Time
	missedPings   int
	state         State
}

// Monitor watches tracked sessions and evicts dead ones.
//
// onProbe is called from the ping loop for each quiet session and should send
// a ping frame to the client. onEvict is called from the sweep loop exactly
// once per evicted session; the engine uses it to tear the session down.
// Both callbacks run on monitor goroutines and must not block for long.
type Monitor struct {
	mu       sync.Mutex
	sessions map[string]*entry // sessionID → entry

	cfg     Config
	onProbe func(types.Session)
	onEvict func(types.Session)
	logger  *slog.Logger

	// now is the clock. Overridable in tests.
	now func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor creates a Monitor. Call Start() to begin probing and sweeping.
func NewMonitor(cfg Config, onProbe, onEvict func(types.Session)) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		sessions: make(map[string]*entry),
		cfg:      cfg,
		onProbe:  onProbe,
		onEvict:  onEvict,
		logger:   slog.Default().With("component", "heartbeat"),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Track starts watching a session. The session begins Alive with a fresh
// heartbeat, so a slow first client heartbeat does not get it evicted.
func (m *Monitor) Track(sess types.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = &entry{
		sess:          sess,
		lastHeartbeat: m.now(),
		state:         StateAlive,
	}
}

// Untrack stops watching a session. Returns false if the session was not
// tracked, which makes eviction and clean disconnect idempotent against each
// other: whoever removes the session first wins.
func (m *Monitor) Untrack(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	delete(m.sessions, sessionID)
	return true
}

// RecordHeartbeat marks the session as freshly alive, clearing any missed
// probes. Returns false for unknown sessions.
func (m *Monitor) RecordHeartbeat(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	e.lastHeartbeat = m.now()
	e.missedPings = 0
	e.state = StateAlive
	return true
}

// SessionState returns the session's liveness state. ok is false if the
// session is not tracked.
func (m *Monitor) SessionState(sessionID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// TrackedCount returns the number of tracked sessions.
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Start launches the ping and sweep loops.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.pingLoop(ctx)
	go m.sweepLoop(ctx)
}

// Stop shuts down the loops and waits for them to exit.
func (m *Monitor) Stop() {
	select {
	case <-m.done:
		// already stopped
	default:
		close(m.done)
	}
	m.wg.Wait()
}

// pingLoop probes sessions that have not heartbeated within the ping
// interval. Each unanswered probe increments missedPings and moves the
// session to Suspect.
func (m *Monitor) pingLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.probeQuiet()
		}
	}
}

func (m *Monitor) probeQuiet() {
	now := m.now()

	m.mu.Lock()
	var quiet []types.Session
	for _, e := range m.sessions {
		if now.Sub(e.lastHeartbeat) < m.cfg.PingInterval {
			continue
		}
		e.missedPings++
		e.state = StateSuspect
		quiet = append(quiet, e.sess)
	}
	m.mu.Unlock()

	// Callbacks run outside the lock.
	for _, s := range quiet {
		m.onProbe(s)
	}
}

// sweepLoop evicts sessions whose heartbeat is older than the timeout, or
// that have missed too many probes.
func (m *Monitor) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	now := m.now()

	m.mu.Lock()
	var dead []types.Session
	for id, e := range m.sessions {
		if now.Sub(e.lastHeartbeat) > m.cfg.Timeout || e.missedPings >= m.cfg.MissedThreshold {
			e.state = StateEvicted
			dead = append(dead, e.sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range dead {
		m.logger.Info("evicting dead session",
			"session_id", s.ID,
			"user_id", s.UserID)
		m.onEvict(s)
	}
}

// SweepNow runs one eviction sweep synchronously. Exposed for tests.
func (m *Monitor) SweepNow() { m.sweep() }

// ProbeNow runs one probe pass synchronously. Exposed for tests.
func (m *Monitor) ProbeNow() { m.probeQuiet() }

// SetNowFunc overrides the monitor's clock. Call before Start. Test use only.
func (m *Monitor) SetNowFunc(now func() time.Time) { m.now = now }

// Package debounce coalesces read-receipt work. Scrolling a chat makes many
// messages visible in quick succession; each visibility flip re-arms a short
// timer keyed by message and user, so only the state after the burst settles
// actually produces a receipt. Entering a chat arms a single batch timer per
// conversation instead.
package debounce

import (
	"strings"
	"sync"
	"time"

	"github.com/revotech/chatcore/internal/scheduler"
)

// ReadKey is the debounce key for one message becoming visible to one user.
func ReadKey(messageID, user string) string {
	return messageID + ":" + user
}

// BatchKey is the debounce key for a user's catch-up read of a conversation.
func BatchKey(convID, user string) string {
	return "batch:" + convID + ":" + user
}

// Debouncer schedules debounced read actions on a shared Scheduler and keeps
// per-user bookkeeping so a disconnect can drop everything the user had
// pending. Safe for concurrent use.
type Debouncer struct {
	sched *scheduler.Scheduler

	mu     sync.Mutex
	byUser map[string]map[string]struct{} // user → pending key set
	// processed remembers keys whose receipt has already been produced, so a
	// late visibility flip does not schedule duplicate work. The set is
	// cleared wholesale when it grows past cap.
	processed map[string]struct{}
	cap       int
}

// New creates a Debouncer on top of sched. processedCap bounds the
// processed-marker set; <= 0 uses 1000.
func New(sched *scheduler.Scheduler, processedCap int) *Debouncer {
	if processedCap <= 0 {
		processedCap = 1000
	}
	return &Debouncer{
		sched:     sched,
		byUser:    make(map[string]map[string]struct{}),
		processed: make(map[string]struct{}),
		cap:       processedCap,
	}
}

// ScheduleRead arms (or re-arms) the debounce timer for one message visible
// to user. If the pair was already processed this is a no-op. action runs on
// the scheduler goroutine after the delay, unless cancelled first.
func (d *Debouncer) ScheduleRead(messageID, user string, delay time.Duration, action func()) {
	key := ReadKey(messageID, user)

	d.mu.Lock()
	if _, done := d.processed[key]; done {
		d.mu.Unlock()
		return
	}
	d.addPending(user, key)
	d.mu.Unlock()

	d.sched.Schedule(key, delay, d.wrap(user, key, action))
}

// ScheduleBatch arms (or re-arms) the catch-up timer for user entering a
// conversation. Repeated entries within the delay collapse into one fire.
func (d *Debouncer) ScheduleBatch(convID, user string, delay time.Duration, action func()) {
	key := BatchKey(convID, user)

	d.mu.Lock()
	d.addPending(user, key)
	d.mu.Unlock()

	d.sched.Schedule(key, delay, d.wrap(user, key, action))
}

// wrap clears per-user bookkeeping when the action fires.
func (d *Debouncer) wrap(user, key string, action func()) func() {
	return func() {
		d.mu.Lock()
		d.dropPending(user, key)
		d.mu.Unlock()
		action()
	}
}

// CancelRead drops the pending timer for one message and user, if any.
func (d *Debouncer) CancelRead(messageID, user string) {
	key := ReadKey(messageID, user)
	d.mu.Lock()
	d.dropPending(user, key)
	d.mu.Unlock()
	d.sched.Cancel(key)
}

// CancelAll drops every pending timer belonging to user and forgets the
// user's processed markers. Called when the user's last session ends.
func (d *Debouncer) CancelAll(user string) {
	d.mu.Lock()
	keys := d.byUser[user]
	delete(d.byUser, user)
	suffix := ":" + user
	for k := range d.processed {
		if strings.HasSuffix(k, suffix) {
			delete(d.processed, k)
		}
	}
	d.mu.Unlock()

	for k := range keys {
		d.sched.Cancel(k)
	}
}

// MarkProcessed records that a receipt was produced for the message and user,
// suppressing future ScheduleRead calls for the pair.
func (d *Debouncer) MarkProcessed(messageID, user string) {
	key := ReadKey(messageID, user)
	d.mu.Lock()
	if len(d.processed) >= d.cap {
		// Wholesale clear keeps the set bounded. Worst case a receipt is
		// produced twice, which downstream dedup already tolerates.
		d.processed = make(map[string]struct{})
	}
	d.processed[key] = struct{}{}
	d.mu.Unlock()
}

// Processed reports whether the message and user pair already produced a
// receipt.
func (d *Debouncer) Processed(messageID, user string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.processed[ReadKey(messageID, user)]
	return ok
}

// PendingCount returns the number of armed timers across all users.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int
	for _, keys := range d.byUser {
		n += len(keys)
	}
	return n
}

// addPending and dropPending maintain the per-user key index.
// MUST be called with d.mu held.
func (d *Debouncer) addPending(user, key string) {
	set, ok := d.byUser[user]
	if !ok {
		set = make(map[string]struct{})
		d.byUser[user] = set
	}
	set[key] = struct{}{}
}

func (d *Debouncer) dropPending(user, key string) {
	if set, ok := d.byUser[user]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(d.byUser, user)
		}
	}
}

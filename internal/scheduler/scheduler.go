package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Scheduler fires delayed actions identified by string keys.
//
// Usage:
//
//	s := New()
//	s.Start(ctx)
//	defer s.Stop()
//
//	s.Schedule("delivered:"+msgID, 200*time.Millisecond, func() {
//	    // advance the message to DELIVERED
//	})
//	s.Cancel("delivered:" + msgID)
//
// Scheduling a key that already has a pending action replaces it, which gives
// debounce semantics for free: rapid re-schedules collapse into the last one.
// All methods are safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	h     minHeap
	byKey map[string]*item // key → item for O(1) Cancel lookup

	// now is the clock. Overridable in tests.
	now func() time.Time

	// notify is a buffered channel of capacity 1.
	// Schedule() sends a signal whenever a new item is added that might be
	// earlier than the current timer deadline, prompting the goroutine to
	// re-evaluate its sleep duration.
	notify chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Scheduler. Call Start() to begin firing actions.
func New() *Scheduler {
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		h:      h,
		byKey:  make(map[string]*item),
		now:    time.Now,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule registers action to fire after delay. If the key already has a
// pending action it is replaced and its timer restarts from now.
// A delay <= 0 fires the action promptly on the next tick of the run goroutine.
//
// Schedule must not be called after Stop().
func (s *Scheduler) Schedule(key string, delay time.Duration, action func()) {
	s.mu.Lock()

	// Replace a previously cancelled (or still-pending) entry for the same key.
	if prev, ok := s.byKey[key]; ok {
		prev.cancelled = true
		s.h.remove(prev.heapIdx)
		delete(s.byKey, key)
	}

	it := &item{
		key:    key,
		action: action,
		dueAt:  s.now().Add(delay).UnixMilli(),
	}
	heap.Push(&s.h, it)
	s.byKey[key] = it

	s.mu.Unlock()

	// Signal the run goroutine to re-evaluate. Non-blocking: if a signal is
	// already pending (channel full), no-op — the goroutine will wake soon.
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel marks a pending action as cancelled so it will not fire.
// It is a no-op if the key is not currently scheduled.
// Cancel is O(log N) due to heap re-ordering.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byKey[key]
	if !ok {
		return
	}
	it.cancelled = true
	s.h.remove(it.heapIdx)
	delete(s.byKey, key)
}

// Pending reports whether the key has a pending action.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

// Len returns the number of currently pending (non-cancelled) actions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Start launches the background run goroutine.
// Actions are called from that goroutine — they must not block for long.
// Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop shuts down the background goroutine and waits for it to exit.
// Any actions still in the heap are silently abandoned.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
		// already stopped
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// ─── run goroutine ────────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// timer is lazily allocated when there's something to wait for.
	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		next := s.peekReady() // returns nil if heap is empty
		s.mu.Unlock()

		if next == nil {
			// Heap is empty — wait for a new action or shutdown.
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
				// An action was scheduled; loop around to re-evaluate.
			}
			continue
		}

		delay := time.UnixMilli(next.dueAt).Sub(s.now())
		if delay <= 0 {
			// Already due — pop and fire without sleeping.
			s.mu.Lock()
			it := s.popAndRemove()
			s.mu.Unlock()
			if it != nil && !it.cancelled {
				it.action()
			}
			continue
		}

		// Sleep until the next action is due, but stay responsive to new
		// actions (notify) and shutdown signals.
		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.done:
			t.Stop()
			return
		case <-s.notify:
			// A new item may be due sooner — re-evaluate from the top.
			t.Stop()
			// Drain the timer channel if it fired between Reset and Stop.
			select {
			case <-t.C:
			default:
			}
			t = nil
		case <-t.C:
			t = nil
			// Timer fired — pop the root and fire.
			s.mu.Lock()
			it := s.popAndRemove()
			s.mu.Unlock()
			if it != nil && !it.cancelled {
				it.action()
			}
		}
	}
}

// peekReady returns the root item without removing it, or nil if heap is empty.
// MUST be called with s.mu held.
func (s *Scheduler) peekReady() *item {
	for s.h.Len() > 0 {
		root := s.h[0]
		if root.cancelled {
			// Drain lazily-cancelled items from the root.
			heap.Pop(&s.h)
			delete(s.byKey, root.key)
			continue
		}
		return root
	}
	return nil
}

// popAndRemove removes the root item and returns it (or nil if empty).
// MUST be called with s.mu held.
func (s *Scheduler) popAndRemove() *item {
	for s.h.Len() > 0 {
		it := heap.Pop(&s.h).(*item)
		delete(s.byKey, it.key)
		if it.cancelled {
			continue
		}
		return it
	}
	return nil
}

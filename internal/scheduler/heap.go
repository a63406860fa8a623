// Package scheduler implements a Min-Heap based keyed timer wheel.
//
// The engine holds many pending delayed actions at once (delivery advances,
// read-receipt debounces, batch catch-up reads), each identified by a string
// key. One goroutine and one heap replace a time.AfterFunc per action:
//   - Min-Heap peek   → O(1) — the soonest-due action, regardless of count.
//   - Min-Heap insert → O(log N).
//   - Cancel by key   → O(log N) via the byKey index.
//
// The run goroutine peeks at the heap root (the soonest-due action), sleeps
// until that point, then pops and fires the action. A buffered notify channel
// lets Schedule() interrupt the sleep early whenever a newly added action is
// due sooner than the current root.
package scheduler

import "container/heap"

// item is one entry in the scheduler Min-Heap.
type item struct {
	key    string      // caller-chosen key — uniquely identifies the pending action
	action func()      // fired when due, unless cancelled or replaced
	dueAt  int64       // UTC milliseconds — sort key

	// heapIdx is the item's current position in the heap slice.
	// Maintained by minHeap.Swap so we can do O(log N) Cancel via heap.Remove.
	heapIdx int

	// cancelled marks an item for lazy deletion.
	// Cancelled items are discarded by the goroutine instead of fired.
	// Lazy deletion avoids an extra O(log N) heap.Remove in the common path.
	cancelled bool
}

// minHeap is a slice of *item that satisfies heap.Interface.
// The smallest dueAt sits at index 0 (Min-Heap).
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	return h[i].dueAt < h[j].dueAt
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil  // allow GC
	it.heapIdx = -1 // mark as not in heap
	*h = old[:n-1]
	return it
}

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}

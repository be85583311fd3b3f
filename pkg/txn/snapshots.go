package txn

import "container/heap"

// snapshotEntry tracks one active transaction's read timestamp in a
// container/heap min-heap, so the vacuum subsystem can find the minimum
// snapshot still in use in O(1) instead of scanning the transaction
// table.
type snapshotEntry struct {
	ts    uint64
	index int
}

type snapshotHeap []*snapshotEntry

func (h snapshotHeap) Len() int           { return len(h) }
func (h snapshotHeap) Less(i, j int) bool { return h[i].ts < h[j].ts }
func (h snapshotHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *snapshotHeap) Push(x interface{}) {
	e := x.(*snapshotEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *snapshotHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	e.index = -1
	*h = old[:n-1]
	return e
}

// snapshotTracker is the guarded heap itself, used by Manager to register
// and unregister active transactions and to answer "what is the oldest
// snapshot still readable" for vacuum.
type snapshotTracker struct {
	h snapshotHeap
}

func newSnapshotTracker() *snapshotTracker {
	return &snapshotTracker{}
}

// register adds ts to the tracker and returns the entry used to remove it
// again later.
func (s *snapshotTracker) register(ts uint64) *snapshotEntry {
	e := &snapshotEntry{ts: ts}
	heap.Push(&s.h, e)
	return e
}

func (s *snapshotTracker) unregister(e *snapshotEntry) {
	if e.index < 0 || e.index >= len(s.h) {
		return
	}
	heap.Remove(&s.h, e.index)
}

// min returns the oldest active snapshot timestamp, and ok=false if there
// are no active transactions (in which case vacuum may reclaim anything
// already superseded).
func (s *snapshotTracker) min() (uint64, bool) {
	if len(s.h) == 0 {
		return 0, false
	}
	return s.h[0].ts, true
}

func (s *snapshotTracker) len() int {
	return len(s.h)
}

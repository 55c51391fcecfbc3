// Package scheduler fires callbacks at per-token deadlines.
//
// Slotify uses it for the no-show reaper: when a token is called, its
// deadline (calledAt + no-show window) is pushed onto a min-heap. The
// scheduler goroutine sleeps until the earliest deadline, pops it and hands
// the token to the callback. Starting service or closing the token cancels
// its entry.
//
//   - peek next deadline → O(1)
//   - Schedule / Cancel  → O(log N)
package scheduler

import (
	"container/heap"
	"time"
)

// deadline is one entry in the min-heap.
type deadline struct {
	tokenID string
	branch  string
	due     time.Time

	// idx is the entry's position in the heap slice, kept current by Swap so
	// Cancel can heap.Remove in O(log N).
	idx int
}

// deadlineHeap orders entries by due time, earliest at index 0.
type deadlineHeap []*deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].tokenID < h[j].tokenID
	}
	return h[i].due.Before(h[j].due)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *deadlineHeap) Push(x any) {
	d := x.(*deadline)
	d.idx = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.idx = -1
	*h = old[:n-1]
	return d
}

func (h *deadlineHeap) remove(idx int) *deadline {
	return heap.Remove(h, idx).(*deadline)
}

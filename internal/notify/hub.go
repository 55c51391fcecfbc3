package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub fans events out to in-process subscribers, one set per branch. The
// WebSocket transport subscribes one entry per connected client.
//
// A subscriber whose channel is full misses the event; the hub never blocks
// on a slow reader.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	missed atomic.Uint64
}

// Subscription is one listener on a branch.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	branch string
	hub    *Hub
	once   sync.Once
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a listener for branch with a channel of size buf.
func (h *Hub) Subscribe(branch string, buf int) *Subscription {
	if buf < 1 {
		buf = 64
	}
	ch := make(chan Event, buf)
	s := &Subscription{C: ch, ch: ch, branch: branch, hub: h}

	h.mu.Lock()
	set, ok := h.subs[branch]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[branch] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.branch]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.branch)
			}
		}
		h.mu.Unlock()
		close(s.ch)
	})
}

// Subscribers returns the number of listeners on branch.
func (h *Hub) Subscribers(branch string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[branch])
}

// Missed returns how many per-subscriber sends were skipped.
func (h *Hub) Missed() uint64 { return h.missed.Load() }

func (h *Hub) OnPositionChanged(ctx context.Context, c PositionChange) error {
	return h.send(ctx, Event{Kind: KindPosition, Position: &c})
}

func (h *Hub) OnStatusChanged(ctx context.Context, c StatusChange) error {
	return h.send(ctx, Event{Kind: KindStatus, Status: &c})
}

func (h *Hub) send(_ context.Context, e Event) error {
	// The read lock is held across the sends so Close cannot close a channel
	// while we write to it.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[e.Branch()] {
		select {
		case s.ch <- e:
		default:
			h.missed.Add(1)
		}
	}
	return nil
}

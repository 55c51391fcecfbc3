package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// FireFunc is called from the scheduler goroutine when a deadline passes. It
// should return promptly.
type FireFunc func(tokenID, branch string)

// Scheduler tracks deadlines and fires them in due order.
//
// Usage:
//
//	s := scheduler.New(nil)
//	s.Start(ctx, func(tokenID, branch string) {
//	    _, _ = mgr.MarkNoShow(ctx, tokenID)
//	})
//	defer s.Stop()
//
//	s.Schedule(tok.ID, tok.Branch, calledAt.Add(15*time.Minute))
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	h    deadlineHeap
	byID map[string]*deadline

	now func() time.Time

	// wake (capacity 1) interrupts the goroutine's sleep when an earlier
	// deadline may have been added.
	wake chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. now supplies the current time; nil means
// time.Now. Call Start to begin firing.
func New(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		h:    make(deadlineHeap, 0, 64),
		byID: make(map[string]*deadline),
		now:  now,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Schedule sets the deadline for tokenID, replacing any existing one. A due
// time in the past fires on the next loop iteration.
func (s *Scheduler) Schedule(tokenID, branch string, due time.Time) {
	s.mu.Lock()
	if prev, ok := s.byID[tokenID]; ok {
		s.h.remove(prev.idx)
	}
	d := &deadline{tokenID: tokenID, branch: branch, due: due}
	heap.Push(&s.h, d)
	s.byID[tokenID] = d
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel drops the deadline for tokenID. No-op if none is pending.
func (s *Scheduler) Cancel(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[tokenID]; ok {
		s.h.remove(d.idx)
		delete(s.byID, tokenID)
	}
}

// Pending reports whether tokenID has a deadline scheduled.
func (s *Scheduler) Pending(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[tokenID]
	return ok
}

// Len returns the number of pending deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// CountByBranch returns the number of pending deadlines for branch.
func (s *Scheduler) CountByBranch(branch string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.byID {
		if d.branch == branch {
			n++
		}
	}
	return n
}

// Start launches the firing goroutine. Call it exactly once.
func (s *Scheduler) Start(ctx context.Context, fire FireFunc) {
	s.wg.Add(1)
	go s.run(ctx, fire)
}

// Stop shuts the goroutine down and waits for it. Pending deadlines are
// abandoned. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// ─── firing goroutine ─────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, fire FireFunc) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	for {
		due, ok := s.popDue()
		if ok {
			fire(due.tokenID, due.branch)
			continue
		}

		var timerC <-chan time.Time
		if next, ok := s.nextDue(); ok {
			timer.Reset(next.Sub(s.now()))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
		case <-timerC:
		}
		stopTimer(timer)
	}
}

// popDue removes and returns the root if its deadline has passed.
func (s *Scheduler) popDue() (*deadline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 || s.h[0].due.After(s.now()) {
		return nil, false
	}
	d := heap.Pop(&s.h).(*deadline)
	delete(s.byID, d.tokenID)
	return d, true
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return time.Time{}, false
	}
	return s.h[0].due, true
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

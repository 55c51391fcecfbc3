package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/slotify/internal/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fired records callbacks in a concurrency-safe way.
type fired struct {
	mu  sync.Mutex
	ids []string
}

func (f *fired) fn(tokenID, branch string) {
	f.mu.Lock()
	f.ids = append(f.ids, branch+"/"+tokenID)
	f.mu.Unlock()
}

func (f *fired) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func waitFor(t *testing.T, f *fired, n int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(f.snapshot()) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func start(t *testing.T) (*scheduler.Scheduler, *fired) {
	t.Helper()
	s := scheduler.New(nil)
	f := &fired{}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, f.fn)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, f
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestScheduler_PastDeadlineFiresPromptly(t *testing.T) {
	s, f := start(t)
	s.Schedule("t1", "north", time.Now().Add(-time.Second))

	if !waitFor(t, f, 1, time.Second) {
		t.Fatal("past deadline was not fired")
	}
	if got := f.snapshot()[0]; got != "north/t1" {
		t.Errorf("unexpected fire %q", got)
	}
	if s.Len() != 0 {
		t.Errorf("expected heap empty after firing, got %d", s.Len())
	}
}

func TestScheduler_FutureDeadlineWaits(t *testing.T) {
	s, f := start(t)
	s.Schedule("t1", "north", time.Now().Add(80*time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	if n := len(f.snapshot()); n != 0 {
		t.Fatalf("fired too early (%d)", n)
	}
	if !waitFor(t, f, 1, time.Second) {
		t.Fatal("future deadline never fired")
	}
}

func TestScheduler_CancelPreventsFiring(t *testing.T) {
	s, f := start(t)
	s.Schedule("t1", "north", time.Now().Add(50*time.Millisecond))
	if !s.Pending("t1") {
		t.Fatal("expected t1 pending")
	}
	s.Cancel("t1")
	s.Cancel("never-scheduled")

	time.Sleep(120 * time.Millisecond)
	if n := len(f.snapshot()); n != 0 {
		t.Errorf("cancelled deadline fired %d times", n)
	}
}

func TestScheduler_FiresInDueOrder(t *testing.T) {
	s, f := start(t)
	now := time.Now()
	s.Schedule("c", "north", now.Add(60*time.Millisecond))
	s.Schedule("a", "north", now.Add(20*time.Millisecond))
	s.Schedule("b", "north", now.Add(40*time.Millisecond))

	if !waitFor(t, f, 3, time.Second) {
		t.Fatal("not all deadlines fired")
	}
	got := f.snapshot()
	want := []string{"north/a", "north/b", "north/c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fire %d: want %s, got %s", i, want[i], got[i])
		}
	}
}

func TestScheduler_EarlierDeadlineInterruptsSleep(t *testing.T) {
	s, f := start(t)
	s.Schedule("late", "north", time.Now().Add(time.Hour))
	time.Sleep(10 * time.Millisecond)
	s.Schedule("soon", "north", time.Now().Add(20*time.Millisecond))

	if !waitFor(t, f, 1, 500*time.Millisecond) {
		t.Fatal("earlier deadline did not interrupt sleep")
	}
	if got := f.snapshot()[0]; got != "north/soon" {
		t.Errorf("expected soon first, got %s", got)
	}
}

func TestScheduler_RescheduleReplacesExisting(t *testing.T) {
	s, f := start(t)
	s.Schedule("t1", "north", time.Now().Add(time.Hour))
	s.Schedule("t1", "north", time.Now().Add(10*time.Millisecond))

	if s.Len() != 1 {
		t.Errorf("expected 1 pending after reschedule, got %d", s.Len())
	}
	if !waitFor(t, f, 1, time.Second) {
		t.Fatal("rescheduled deadline did not fire")
	}
	time.Sleep(30 * time.Millisecond)
	if n := len(f.snapshot()); n != 1 {
		t.Errorf("expected exactly one fire, got %d", n)
	}
}

func TestScheduler_CountByBranch(t *testing.T) {
	s := scheduler.New(nil)
	far := time.Now().Add(time.Hour)
	s.Schedule("a", "north", far)
	s.Schedule("b", "north", far)
	s.Schedule("c", "south", far)

	if n := s.CountByBranch("north"); n != 2 {
		t.Errorf("north: want 2, got %d", n)
	}
	if n := s.CountByBranch("east"); n != 0 {
		t.Errorf("east: want 0, got %d", n)
	}
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := scheduler.New(nil)
	s.Start(context.Background(), func(string, string) {})
	s.Stop()
	s.Stop()
}

package dlq_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/snehjoshi/slotify/internal/dlq"
	"github.com/snehjoshi/slotify/internal/notify"
)

// flakySink fails every delivery while failing is set.
type flakySink struct {
	mu      sync.Mutex
	failing bool
	got     []notify.PositionChange
}

func (s *flakySink) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *flakySink) OnPositionChanged(_ context.Context, c notify.PositionChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink down")
	}
	s.got = append(s.got, c)
	return nil
}

func (s *flakySink) OnStatusChanged(context.Context, notify.StatusChange) error { return nil }

func (s *flakySink) received() []notify.PositionChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.PositionChange(nil), s.got...)
}

func event(to int) notify.Event {
	return notify.Event{
		Kind:     notify.KindPosition,
		Seq:      uint64(to),
		Position: &notify.PositionChange{TokenID: "t", Branch: "north", From: to + 1, To: to},
	}
}

func TestStore_PeekDoesNotRemove(t *testing.T) {
	s := dlq.New(10)
	s.Add(event(1), errors.New("boom"))
	s.Add(event(2), errors.New("boom"))

	got := s.Peek(1)
	if len(got) != 1 || got[0].Event.Seq != 1 || got[0].Error != "boom" || got[0].Attempts != 1 {
		t.Fatalf("Peek(1) = %+v", got)
	}
	if s.Len() != 2 {
		t.Errorf("Len after Peek = %d, want 2", s.Len())
	}
	if all := s.Peek(0); len(all) != 2 {
		t.Errorf("Peek(0) returned %d letters, want 2", len(all))
	}
}

func TestStore_DrainRemovesOldestFirst(t *testing.T) {
	s := dlq.New(10)
	for i := 1; i <= 3; i++ {
		s.Add(event(i), errors.New("x"))
	}
	got := s.Drain(2)
	if len(got) != 2 || got[0].Event.Seq != 1 || got[1].Event.Seq != 2 {
		t.Fatalf("Drain(2) = %+v", got)
	}
	if s.Len() != 1 || s.Peek(0)[0].Event.Seq != 3 {
		t.Errorf("remaining letters wrong: %+v", s.Peek(0))
	}
}

func TestStore_BoundedDiscardsOldest(t *testing.T) {
	s := dlq.New(2)
	for i := 1; i <= 4; i++ {
		s.Add(event(i), errors.New("x"))
	}
	if s.Len() != 2 || s.Discarded() != 2 {
		t.Fatalf("Len=%d Discarded=%d, want 2 and 2", s.Len(), s.Discarded())
	}
	if got := s.Peek(0); got[0].Event.Seq != 3 || got[1].Event.Seq != 4 {
		t.Errorf("kept %+v, want seq 3 and 4", got)
	}
}

func TestStore_ReplayRequeuesFailures(t *testing.T) {
	s := dlq.New(10)
	sink := &flakySink{failing: true}
	s.Add(event(1), errors.New("x"))
	s.Add(event(2), errors.New("x"))

	n, err := s.Replay(context.Background(), sink, 0)
	if err != nil || n != 0 {
		t.Fatalf("Replay while failing: n=%d err=%v", n, err)
	}
	letters := s.Peek(0)
	if len(letters) != 2 || letters[0].Attempts != 2 || letters[0].Error != "sink down" {
		t.Fatalf("letters after failed replay: %+v", letters)
	}

	sink.setFailing(false)
	n, err = s.Replay(context.Background(), sink, 0)
	if err != nil || n != 2 {
		t.Fatalf("Replay: n=%d err=%v", n, err)
	}
	if s.Len() != 0 {
		t.Errorf("store should be empty, has %d", s.Len())
	}
	got := sink.received()
	if len(got) != 2 || got[0].To != 1 || got[1].To != 2 {
		t.Errorf("replayed out of order: %+v", got)
	}
}

func TestStore_ReplayCancelledKeepsLetters(t *testing.T) {
	s := dlq.New(10)
	s.Add(event(1), errors.New("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := s.Replay(ctx, &flakySink{}, 0)
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Fatalf("Replay on cancelled ctx: n=%d err=%v", n, err)
	}
	if s.Len() != 1 {
		t.Errorf("letter lost on cancelled replay")
	}
}

func TestStore_Disabled(t *testing.T) {
	s := dlq.New(0)
	s.Add(event(1), errors.New("x"))
	if s.Len() != 0 || s.Discarded() != 1 {
		t.Errorf("disabled store kept a letter: Len=%d Discarded=%d", s.Len(), s.Discarded())
	}
	if _, err := s.Replay(context.Background(), &flakySink{}, 0); !errors.Is(err, dlq.ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestStore_CollectsDispatcherFailures(t *testing.T) {
	s := dlq.New(10)
	sink := &flakySink{failing: true}
	d := notify.NewDispatcher(sink, notify.DispatcherConfig{BufferSize: 8, OnFailure: s.Add})
	d.Start(context.Background())

	d.PositionChanged(notify.PositionChange{TokenID: "t", Branch: "north", From: 0, To: 1})
	d.Stop()

	if s.Len() != 1 {
		t.Fatalf("expected 1 dead letter, got %d", s.Len())
	}
	if l := s.Peek(1)[0]; l.Event.Seq == 0 || l.Event.Position.To != 1 {
		t.Errorf("unexpected letter %+v", l)
	}

	// Replay keeps the original sequence number.
	sink.setFailing(false)
	if n, _ := s.Replay(context.Background(), sink, 0); n != 1 {
		t.Errorf("replayed %d, want 1", n)
	}
}

// Package storagetest holds the behaviour every storage.Ledger must share.
// Each implementation's tests call Run with its own constructor.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/snehjoshi/slotify/internal/node"
	"github.com/snehjoshi/slotify/internal/storage"
	"github.com/snehjoshi/slotify/internal/types"
)

// Opener returns a fresh, empty ledger. It should register its own cleanup.
type Opener func(t *testing.T) storage.Ledger

// Run executes the full conformance suite against open.
func Run(t *testing.T, open Opener) {
	t.Run("CommitAndGet", func(t *testing.T) { testCommitAndGet(t, open(t)) })
	t.Run("GetByNumber", func(t *testing.T) { testGetByNumber(t, open(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, open(t)) })
	t.Run("SequenceCAS", func(t *testing.T) { testSequenceCAS(t, open(t)) })
	t.Run("BatchIsAtomic", func(t *testing.T) { testBatchIsAtomic(t, open(t)) })
	t.Run("RankedOrder", func(t *testing.T) { testRankedOrder(t, open(t)) })
	t.Run("RankedFollowsStatus", func(t *testing.T) { testRankedFollowsStatus(t, open(t)) })
	t.Run("ReturnsCopies", func(t *testing.T) { testReturnsCopies(t, open(t)) })
	t.Run("ForEach", func(t *testing.T) { testForEach(t, open(t)) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelledContext(t, open(t)) })
}

// NewToken builds an active token with a fresh ID.
func NewToken(branch string, priority int, issued time.Time) *types.Token {
	id := node.MustNewID()
	cat, _ := types.CategoryForPriority(priority)
	return &types.Token{
		ID:         id,
		Number:     fmt.Sprintf("%s-%s", branch, id),
		SubjectRef: "subj-" + id,
		Branch:     branch,
		Category:   cat,
		Priority:   priority,
		Status:     types.StatusActive,
		IssuedAt:   issued,
	}
}

func commit(t *testing.T, l storage.Ledger, toks ...*types.Token) {
	t.Helper()
	if err := l.Commit(context.Background(), storage.Batch{Tokens: toks}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func testCommitAndGet(t *testing.T, l storage.Ledger) {
	ctx := context.Background()
	tok := NewToken("north", 4, time.Now().UTC())
	commit(t, l, tok)

	if tok.Version != 1 {
		t.Errorf("expected caller copy at version 1, got %d", tok.Version)
	}
	got, err := l.Get(ctx, tok.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != tok.ID || got.Priority != 4 || got.Version != 1 {
		t.Errorf("unexpected token %+v", got)
	}
	if !got.IssuedAt.Equal(tok.IssuedAt) {
		t.Errorf("issuedAt changed: %v != %v", got.IssuedAt, tok.IssuedAt)
	}

	if _, err := l.Get(ctx, node.MustNewID()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testGetByNumber(t *testing.T, l storage.Ledger) {
	ctx := context.Background()
	tok := NewToken("north", 3, time.Now())
	commit(t, l, tok)

	got, err := l.GetByNumber(ctx, tok.Number)
	if err != nil {
		t.Fatalf("GetByNumber: %v", err)
	}
	if got.ID != tok.ID {
		t.Errorf("wrong token: %s", got.ID)
	}
	if _, err := l.GetByNumber(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	dup := NewToken("north", 3, time.Now())
	dup.Number = tok.Number
	if err := l.Commit(ctx, storage.Batch{Tokens: []*types.Token{dup}}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected conflict on duplicate number, got %v", err)
	}
}

func testVersionConflict(t *testing.T, l storage.Ledger) {
	ctx := context.Background()
	tok := NewToken("north", 2, time.Now())
	commit(t, l, tok)

	a, _ := l.Get(ctx, tok.ID)
	b, _ := l.Get(ctx, tok.ID)

	a.Priority = 5
	if err := l.Commit(ctx, storage.Batch{Tokens: []*types.Token{a}}); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	b.Priority = 3
	if err := l.Commit(ctx, storage.Batch{Tokens: []*types.Token{b}}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for stale writer, got %v", err)
	}
	if b.Version != 1 {
		t.Errorf("failed commit must not bump caller version, got %d", b.Version)
	}

	got, _ := l.Get(ctx, tok.ID)
	if got.Priority != 5 || got.Version != 2 {
		t.Errorf("expected first writer to win, got prio=%d v=%d", got.Priority, got.Version)
	}

	// Re-inserting an existing ID as new is also a conflict.
	fresh := tok.Clone()
	fresh.Version = 0
	if err := l.Commit(ctx, storage.Batch{Tokens: []*types.Token{fresh}}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected conflict on re-insert, got %v", err)
	}
}

func testSequenceCAS(t *testing.T, l storage.Ledger) {
	ctx := context.Background()
	v, err := l.Sequence(ctx, "north|C|20240101")
	if err != nil || v != 0 {
		t.Fatalf("unset sequence: got %d, %v", v, err)
	}
	su := storage.SequenceUpdate{Key: "north|C|20240101", Expect: 0, Next: 1}
	if err := l.Commit(ctx, storage.Batch{Sequences: []storage.SequenceUpdate{su}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := l.Commit(ctx, storage.Batch{Sequences: []storage.SequenceUpdate{su}}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected conflict on stale sequence, got %v", err)
	}
	if v, _ := l.Sequence(ctx, "north|C|20240101"); v != 1 {
		t.Errorf("expected sequence 1, got %d", v)
	}
}

func testBatchIsAtomic(t *testing.T, l storage.Ledger) {
	ctx := context.Background()
	tok := NewToken("north", 2, time.Now())
	commit(t, l, tok)

	newTok := NewToken("north", 5, time.Now())
	stale := tok.Clone()
	stale.Version = 0 // wrong
	stale.Priority = 4
	err := l.Commit(ctx, storage.Batch{
		Tokens:    []*types.Token{newTok, stale},
		Sequences: []storage.SequenceUpdate{{Key: "k", Expect: 0, Next: 1}},
	})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := l.Get(ctx, newTok.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("new token from failed batch must not exist, got %v", err)
	}
	if v, _ := l.Sequence(ctx, "k"); v != 0 {
		t.Errorf("sequence from failed batch must not move, got %d", v)
	}
	if got, _ := l.Get(ctx, tok.ID); got.Priority != 2 {
		t.Errorf("existing token changed by failed batch: prio=%d", got.Priority)
	}
}

func testRankedOrder(t *testing.T, l storage.Ledger) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	low := NewToken("north", 2, base)
	highLate := NewToken("north", 5, base.Add(2*time.Minute))
	highEarly := NewToken("north", 5, base.Add(time.Minute))
	mid := NewToken("north", 3, base)
	other := NewToken("south", 5, base)
	commit(t, l, low, highLate, highEarly, mid, other)

	got, err := l.Ranked(ctx, "north", types.StatusActive)
	if err != nil {
		t.Fatalf("Ranked: %v", err)
	}
	want := []string{highEarly.ID, highLate.ID, mid.ID, low.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %d tokens, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d: want %s, got %s", i, want[i], got[i].ID)
		}
	}
}

func testRankedFollowsStatus(t *testing.T, l storage.Ledger) {
	ctx := context.Background()
	tok := NewToken("north", 4, time.Now())
	commit(t, l, tok)

	tok.Status = types.StatusCalled
	commit(t, l, tok)

	active, _ := l.Ranked(ctx, "north", types.StatusActive)
	if len(active) != 0 {
		t.Errorf("expected no active tokens, got %d", len(active))
	}
	called, _ := l.Ranked(ctx, "north", types.StatusCalled)
	if len(called) != 1 || called[0].ID != tok.ID {
		t.Errorf("expected token in called set, got %v", called)
	}
}

func testReturnsCopies(t *testing.T, l storage.Ledger) {
	ctx := context.Background()
	tok := NewToken("north", 4, time.Now())
	commit(t, l, tok)

	got, _ := l.Get(ctx, tok.ID)
	got.Priority = 1
	got.PositionHistory = append(got.PositionHistory, types.PositionEntry{To: 9})

	again, _ := l.Get(ctx, tok.ID)
	if again.Priority != 4 || len(again.PositionHistory) != 0 {
		t.Errorf("stored token was mutated through a returned copy: %+v", again)
	}
}

func testForEach(t *testing.T, l storage.Ledger) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		commit(t, l, NewToken("north", 2+i%4, time.Now()))
	}
	n := 0
	if err := l.ForEach(ctx, func(*types.Token) error { n++; return nil }); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 tokens, got %d", n)
	}

	stop := errors.New("stop")
	if err := l.ForEach(ctx, func(*types.Token) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("expected callback error to propagate, got %v", err)
	}
}

func testCancelledContext(t *testing.T, l storage.Ledger) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tok := NewToken("north", 4, time.Now())
	if err := l.Commit(ctx, storage.Batch{Tokens: []*types.Token{tok}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := l.Get(context.Background(), tok.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cancelled commit must not write, got %v", err)
	}
}

// Package memory is a volatile storage.Ledger for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/snehjoshi/slotify/internal/storage"
	"github.com/snehjoshi/slotify/internal/types"
)

// Ledger keeps every token in process memory.
type Ledger struct {
	mu      sync.RWMutex
	tokens  map[string]*types.Token
	numbers map[string]string
	seqs    map[string]uint64
	closed  bool
}

var _ storage.Ledger = (*Ledger)(nil)

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{
		tokens:  make(map[string]*types.Token),
		numbers: make(map[string]string),
		seqs:    make(map[string]uint64),
	}
}

func (l *Ledger) Get(ctx context.Context, id string) (*types.Token, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, storage.ErrClosed
	}
	t, ok := l.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

func (l *Ledger) GetByNumber(ctx context.Context, number string) (*types.Token, error) {
	l.mu.RLock()
	id, ok := l.numbers[number]
	l.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return l.Get(ctx, id)
}

func (l *Ledger) Ranked(ctx context.Context, branch string, status types.Status) ([]*types.Token, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, storage.ErrClosed
	}
	var out []*types.Token
	for _, t := range l.tokens {
		if t.Branch == branch && t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RanksBefore(out[j]) })
	return out, nil
}

func (l *Ledger) ForEach(ctx context.Context, fn func(*types.Token) error) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return storage.ErrClosed
	}
	snapshot := make([]*types.Token, 0, len(l.tokens))
	for _, t := range l.tokens {
		snapshot = append(snapshot, t.Clone())
	}
	l.mu.RUnlock()

	for _, t := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Sequence(ctx context.Context, key string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, storage.ErrClosed
	}
	return l.seqs[key], nil
}

func (l *Ledger) Commit(ctx context.Context, b storage.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return storage.ErrClosed
	}

	// Validate everything before touching anything.
	for _, su := range b.Sequences {
		if l.seqs[su.Key] != su.Expect {
			return storage.ErrVersionConflict
		}
	}
	for _, t := range b.Tokens {
		cur, ok := l.tokens[t.ID]
		switch {
		case !ok && t.Version != 0:
			return storage.ErrVersionConflict
		case ok && cur.Version != t.Version:
			return storage.ErrVersionConflict
		case !ok:
			if owner, taken := l.numbers[t.Number]; taken && owner != t.ID {
				return storage.ErrVersionConflict
			}
		}
	}

	for _, su := range b.Sequences {
		l.seqs[su.Key] = su.Next
	}
	for _, t := range b.Tokens {
		t.Version++
		l.tokens[t.ID] = t.Clone()
		l.numbers[t.Number] = t.ID
	}
	return nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Package storage defines the Ledger abstraction: the authoritative record of
// every admission token and its lifecycle state.
//
// The queue scheduler and every layer above it talk to persistence ONLY
// through this interface. Two implementations exist:
//   - memory.Ledger: volatile, for tests and development
//   - local.Ledger: single file, bbolt-backed
package storage

import (
	"context"
	"errors"

	"github.com/snehjoshi/slotify/internal/types"
)

// ErrNotFound is returned when a token or sequence does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrVersionConflict is returned by Commit when a token or sequence was
// changed by someone else since the caller read it. Nothing in the batch is
// applied.
var ErrVersionConflict = errors.New("storage: version conflict")

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("storage: ledger closed")

// SequenceUpdate is a compare-and-swap on a named counter.
type SequenceUpdate struct {
	Key    string
	Expect uint64
	Next   uint64
}

// Batch is one atomic ledger write.
//
// Each token's Version must equal the version currently stored (0 for a token
// that must not exist yet). On success the ledger stores every token with
// Version+1 and bumps the Version field of the tokens in the batch, so the
// caller's copies match what was written.
type Batch struct {
	Tokens    []*types.Token
	Sequences []SequenceUpdate
}

// Empty reports whether the batch would write nothing.
func (b Batch) Empty() bool { return len(b.Tokens) == 0 && len(b.Sequences) == 0 }

// Ledger persists tokens.
//
// Returned tokens are copies; mutating them never affects stored state. All
// methods must be safe for concurrent use.
type Ledger interface {
	// Get returns the token with the given ID.
	Get(ctx context.Context, id string) (*types.Token, error)

	// GetByNumber returns the token with the given human-facing number.
	GetByNumber(ctx context.Context, number string) (*types.Token, error)

	// Ranked returns every token in branch with the given status, in serving
	// order (see types.Token.RanksBefore).
	Ranked(ctx context.Context, branch string, status types.Status) ([]*types.Token, error)

	// ForEach calls fn for every token in an unspecified order. Iteration
	// stops at the first non-nil error, which is returned.
	ForEach(ctx context.Context, fn func(*types.Token) error) error

	// Sequence returns the current value of a named counter; 0 if unset.
	Sequence(ctx context.Context, key string) (uint64, error)

	// Commit applies the batch atomically or not at all.
	Commit(ctx context.Context, b Batch) error

	// Close releases resources. It is safe to call more than once.
	Close() error
}

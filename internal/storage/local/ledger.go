// Package local is the single-node, disk-backed storage.Ledger.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/slotify/internal/storage"
	"github.com/snehjoshi/slotify/internal/types"
)

var (
	bucketTokens    = []byte("tokens")    // id → JSON token
	bucketNumbers   = []byte("numbers")   // token number → id
	bucketSequences = []byte("sequences") // counter key → uint64 BE
	bucketRank      = []byte("rank")      // rank key → empty
)

// Config tunes Open.
type Config struct {
	// OpenTimeout bounds how long Open waits for the file lock held by another
	// process. Zero waits forever.
	OpenTimeout time.Duration
	// NoSync skips fsync on commit. Tests only.
	NoSync bool
}

// Ledger is a bbolt-backed storage.Ledger.
//
// bbolt gives us:
//   - ACID batches: a Commit either lands whole or not at all, even on crash
//   - a single writer at a time, which makes the version checks race-free
//   - ordered keys, used by the rank bucket to answer Ranked with a prefix scan
//
// All methods are safe for concurrent use.
type Ledger struct {
	db *bbolt.DB
}

var _ storage.Ledger = (*Ledger)(nil)

// Open opens (or creates) the ledger file at path.
func Open(path string, cfg Config) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: cfg.OpenTimeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTokens, bucketNumbers, bucketSequences, bucketRank} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: init buckets: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*types.Token, error) {
	var tok *types.Token
	err := l.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		tok, err = getToken(tx, id)
		return err
	})
	return tok, err
}

func (l *Ledger) GetByNumber(ctx context.Context, number string) (*types.Token, error) {
	var tok *types.Token
	err := l.view(ctx, func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketNumbers).Get([]byte(number))
		if id == nil {
			return storage.ErrNotFound
		}
		var err error
		tok, err = getToken(tx, string(id))
		return err
	})
	return tok, err
}

func (l *Ledger) Ranked(ctx context.Context, branch string, status types.Status) ([]*types.Token, error) {
	var out []*types.Token
	err := l.view(ctx, func(tx *bbolt.Tx) error {
		prefix := rankPrefix(branch, status)
		c := tx.Bucket(bucketRank).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id, err := rankKeyID(k, prefix)
			if err != nil {
				return err
			}
			tok, err := getToken(tx, id)
			if err != nil {
				return fmt.Errorf("ledger: rank entry for %s: %w", id, err)
			}
			out = append(out, tok)
		}
		return nil
	})
	return out, err
}

func (l *Ledger) ForEach(ctx context.Context, fn func(*types.Token) error) error {
	return l.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tok, err := decodeToken(v)
			if err != nil {
				return err
			}
			return fn(tok)
		})
	})
}

func (l *Ledger) Sequence(ctx context.Context, key string) (uint64, error) {
	var v uint64
	err := l.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		v, err = decodeSeq(tx.Bucket(bucketSequences).Get([]byte(key)))
		return err
	})
	return v, err
}

// Commit runs the whole batch in one bbolt read-write transaction. Any
// version mismatch aborts the transaction, so nothing is written.
func (l *Ledger) Commit(ctx context.Context, b storage.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	staged := make([]*types.Token, len(b.Tokens))
	err := l.db.Update(func(tx *bbolt.Tx) error {
		seqs := tx.Bucket(bucketSequences)
		for _, su := range b.Sequences {
			cur, err := decodeSeq(seqs.Get([]byte(su.Key)))
			if err != nil {
				return err
			}
			if cur != su.Expect {
				return storage.ErrVersionConflict
			}
			if err := seqs.Put([]byte(su.Key), encodeSeq(su.Next)); err != nil {
				return err
			}
		}

		tokens := tx.Bucket(bucketTokens)
		numbers := tx.Bucket(bucketNumbers)
		rank := tx.Bucket(bucketRank)
		for i, t := range b.Tokens {
			prev, err := getToken(tx, t.ID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				if t.Version != 0 {
					return storage.ErrVersionConflict
				}
				if owner := numbers.Get([]byte(t.Number)); owner != nil && string(owner) != t.ID {
					return storage.ErrVersionConflict
				}
			case err != nil:
				return err
			case prev.Version != t.Version:
				return storage.ErrVersionConflict
			default:
				if err := rank.Delete(rankKey(prev)); err != nil {
					return err
				}
			}

			next := t.Clone()
			next.Version++
			val, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("ledger: marshal %s: %w", t.ID, err)
			}
			if err := tokens.Put([]byte(t.ID), val); err != nil {
				return err
			}
			if err := numbers.Put([]byte(t.Number), []byte(t.ID)); err != nil {
				return err
			}
			if err := rank.Put(rankKey(next), []byte{}); err != nil {
				return err
			}
			staged[i] = next
		}
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	if err != nil {
		return err
	}
	for i, t := range b.Tokens {
		t.Version = staged[i].Version
	}
	return nil
}

// Close closes the underlying bbolt database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) view(ctx context.Context, fn func(*bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.db.View(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

func getToken(tx *bbolt.Tx, id string) (*types.Token, error) {
	v := tx.Bucket(bucketTokens).Get([]byte(id))
	if v == nil {
		return nil, storage.ErrNotFound
	}
	return decodeToken(v)
}

func decodeToken(v []byte) (*types.Token, error) {
	var t types.Token
	if err := json.Unmarshal(v, &t); err != nil {
		return nil, fmt.Errorf("ledger: corrupt token record: %w", err)
	}
	return &t, nil
}

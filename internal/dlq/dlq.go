// Package dlq keeps events that a notification sink failed to accept.
//
// The dispatcher never retries on its own: a failed delivery is logged,
// counted and handed to Store.Add. Operators can then inspect and replay:
//
//   - Peek:   read (but don't remove) the oldest N dead letters.
//   - Drain:  remove and return the oldest N dead letters.
//   - Replay: redeliver the oldest N to a sink; failures go back in the store.
//
// The store is bounded. When full, the oldest dead letter is discarded.
package dlq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/snehjoshi/slotify/internal/notify"
)

// ErrDisabled is returned by a Store created with capacity 0.
var ErrDisabled = errors.New("dlq: dead-letter store disabled")

// Letter is one failed delivery.
type Letter struct {
	Event    notify.Event `json:"event"`
	Error    string       `json:"error"`
	FailedAt time.Time    `json:"failed_at"`
	Attempts int          `json:"attempts"`
}

// Store is a bounded FIFO of dead letters. All methods are safe for
// concurrent use.
type Store struct {
	mu        sync.Mutex
	letters   []Letter
	capacity  int
	discarded uint64
	now       func() time.Time
}

// New creates a Store holding at most capacity letters.
func New(capacity int) *Store {
	if capacity < 0 {
		capacity = 0
	}
	return &Store{capacity: capacity, now: time.Now}
}

// Add records a failed delivery. Its signature matches
// notify.DispatcherConfig.OnFailure.
func (s *Store) Add(e notify.Event, err error) {
	s.add(Letter{Event: e, Error: errString(err), FailedAt: s.now(), Attempts: 1})
}

func (s *Store) add(l Letter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity == 0 {
		s.discarded++
		return
	}
	if len(s.letters) == s.capacity {
		s.letters = s.letters[1:]
		s.discarded++
	}
	s.letters = append(s.letters, l)
}

// Peek returns up to limit of the oldest letters without removing them.
// A limit <= 0 returns all of them.
func (s *Store) Peek(limit int) []Letter {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := clamp(limit, len(s.letters))
	out := make([]Letter, n)
	copy(out, s.letters[:n])
	return out
}

// Drain removes and returns up to limit of the oldest letters.
// A limit <= 0 drains everything.
func (s *Store) Drain(limit int) []Letter {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := clamp(limit, len(s.letters))
	out := make([]Letter, n)
	copy(out, s.letters[:n])
	s.letters = append([]Letter(nil), s.letters[n:]...)
	return out
}

// Replay redelivers up to limit of the oldest letters to sink, in order.
// Letters that fail again go back to the store with Attempts incremented.
// It returns the number redelivered successfully.
func (s *Store) Replay(ctx context.Context, sink notify.Notifier, limit int) (int, error) {
	if s.capacity == 0 {
		return 0, ErrDisabled
	}
	letters := s.Drain(limit)
	replayed := 0
	for i, l := range letters {
		if err := ctx.Err(); err != nil {
			// Put back everything not yet attempted.
			for _, rest := range letters[i:] {
				s.add(rest)
			}
			return replayed, err
		}
		if err := notify.Deliver(ctx, sink, l.Event); err != nil {
			l.Attempts++
			l.Error = errString(err)
			l.FailedAt = s.now()
			s.add(l)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// Len returns the number of letters currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters)
}

// Discarded returns how many letters were lost because the store was full.
func (s *Store) Discarded() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

func clamp(limit, n int) int {
	if limit <= 0 || limit > n {
		return n
	}
	return limit
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

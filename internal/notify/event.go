// Package notify carries scheduler events to the outside world.
//
// The scheduler never talks to a sink directly. It hands every event to a
// Dispatcher, which queues it in a bounded buffer (dropping the oldest entry
// when full) and delivers it from its own goroutine. A slow or failing sink
// can therefore never stall a queue operation.
//
// Delivery is at-least-once at best; consumers must be idempotent. Events
// for one token arrive in the order the scheduler produced them.
package notify

import (
	"context"
	"time"

	"github.com/snehjoshi/slotify/internal/types"
)

// PositionChange is emitted when a token's rank within its branch moves.
// From is 0 for a newly admitted token; To is 0 once it leaves the active set.
type PositionChange struct {
	TokenID string    `json:"token_id"`
	Number  string    `json:"number"`
	Branch  string    `json:"branch"`
	From    int       `json:"from"`
	To      int       `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// StatusChange is emitted on every lifecycle transition.
type StatusChange struct {
	TokenID string       `json:"token_id"`
	Number  string       `json:"number"`
	Branch  string       `json:"branch"`
	From    types.Status `json:"from"`
	To      types.Status `json:"to"`
	At      time.Time    `json:"at"`
}

// Notifier is the sink side of the hook. Implementations may block; they are
// only ever called from the dispatcher goroutine.
type Notifier interface {
	OnPositionChanged(ctx context.Context, c PositionChange) error
	OnStatusChanged(ctx context.Context, c StatusChange) error
}

// Kind discriminates Event payloads.
type Kind string

const (
	KindPosition Kind = "position"
	KindStatus   Kind = "status"
)

// Event is the envelope sinks serialise onto the wire. Exactly one of
// Position and Status is set.
type Event struct {
	Kind     Kind            `json:"kind"`
	Seq      uint64          `json:"seq"`
	Position *PositionChange `json:"position,omitempty"`
	Status   *StatusChange   `json:"status,omitempty"`
}

// Branch returns the branch the event belongs to.
func (e Event) Branch() string {
	if e.Position != nil {
		return e.Position.Branch
	}
	if e.Status != nil {
		return e.Status.Branch
	}
	return ""
}

// TokenID returns the token the event is about.
func (e Event) TokenID() string {
	if e.Position != nil {
		return e.Position.TokenID
	}
	if e.Status != nil {
		return e.Status.TokenID
	}
	return ""
}

// envelopeSink is implemented by the sinks in this package that forward the
// whole envelope, sequence number included.
type envelopeSink interface {
	send(ctx context.Context, e Event) error
}

// EventSink is implemented by sinks outside this package that want the
// whole envelope, sequence number included.
type EventSink interface {
	SendEvent(ctx context.Context, e Event) error
}

// Deliver routes e to n. Envelope sinks receive the whole event, so a
// redelivered event keeps its original sequence number.
func Deliver(ctx context.Context, n Notifier, e Event) error {
	if s, ok := n.(envelopeSink); ok {
		return s.send(ctx, e)
	}
	if s, ok := n.(EventSink); ok {
		return s.SendEvent(ctx, e)
	}
	switch {
	case e.Position != nil:
		return n.OnPositionChanged(ctx, *e.Position)
	case e.Status != nil:
		return n.OnStatusChanged(ctx, *e.Status)
	}
	return nil
}

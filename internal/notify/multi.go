package notify

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Multi fans every event out to all of its sinks in parallel and waits for
// them, so the next event for the same token is not sent until every sink
// has seen the previous one.
type Multi []Notifier

func (m Multi) OnPositionChanged(ctx context.Context, c PositionChange) error {
	return m.send(ctx, Event{Kind: KindPosition, Position: &c})
}

func (m Multi) OnStatusChanged(ctx context.Context, c StatusChange) error {
	return m.send(ctx, Event{Kind: KindStatus, Status: &c})
}

// send delivers to every sink. One failing sink does not cancel the others;
// all failures are joined into the returned error.
func (m Multi) send(ctx context.Context, e Event) error {
	if len(m) == 0 {
		return nil
	}
	errs := make([]error, len(m))
	var g errgroup.Group
	// Wait reports only the first error, so each failure is kept in its own
	// slot and the goroutines return nil.
	for i, n := range m {
		g.Go(func() error {
			if err := Deliver(ctx, n, e); err != nil {
				errs[i] = fmt.Errorf("sink %T: %w", n, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

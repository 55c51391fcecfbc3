package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// natsPublisher is the slice of *nats.Conn the sink needs.
type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes every event as JSON on "<prefix>.<branch>.<kind>".
type NATSSink struct {
	conn    natsPublisher
	prefix  string
	closeFn func()
}

// DialNATS connects to url and returns a sink using subject prefix.
func DialNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("slotify"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	return &NATSSink{conn: nc, prefix: prefix, closeFn: nc.Close}, nil
}

// NewNATSSink wraps an existing connection. The caller keeps ownership of it.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return &NATSSink{conn: nc, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, e.Branch(), e.Kind)
}

func (s *NATSSink) OnPositionChanged(ctx context.Context, c PositionChange) error {
	return s.send(ctx, Event{Kind: KindPosition, Position: &c})
}

func (s *NATSSink) OnStatusChanged(ctx context.Context, c StatusChange) error {
	return s.send(ctx, Event{Kind: KindStatus, Status: &c})
}

func (s *NATSSink) send(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("nats: marshal event: %w", err)
	}
	subj := s.Subject(e)
	if err := s.conn.Publish(subj, data); err != nil {
		return fmt.Errorf("nats: publish to %s: %w", subj, err)
	}
	return nil
}

// Close closes the connection if the sink opened it.
func (s *NATSSink) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

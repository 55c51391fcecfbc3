package notify

import (
	"context"
	"log/slog"
)

// LogSink writes every event to a structured logger at debug level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s LogSink) OnPositionChanged(ctx context.Context, c PositionChange) error {
	s.logger().DebugContext(ctx, "position changed",
		"token", c.TokenID, "number", c.Number, "branch", c.Branch,
		"from", c.From, "to", c.To, "reason", c.Reason)
	return nil
}

func (s LogSink) OnStatusChanged(ctx context.Context, c StatusChange) error {
	s.logger().InfoContext(ctx, "status changed",
		"token", c.TokenID, "number", c.Number, "branch", c.Branch,
		"from", c.From, "to", c.To)
	return nil
}

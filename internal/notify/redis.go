package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisPublisher is the slice of redis.UniversalClient the sink needs.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes every event as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  redisPublisher
	channel string
	closeFn func() error
}

// DialRedis connects to url (redis:// or rediss://), checks the connection
// with PING and returns a sink publishing on channel.
func DialRedis(ctx context.Context, url, channel string) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisSink{client: rdb, channel: channel, closeFn: rdb.Close}, nil
}

// NewRedisSink wraps an existing client. The caller keeps ownership of it.
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) OnPositionChanged(ctx context.Context, c PositionChange) error {
	return s.send(ctx, Event{Kind: KindPosition, Position: &c})
}

func (s *RedisSink) OnStatusChanged(ctx context.Context, c StatusChange) error {
	return s.send(ctx, Event{Kind: KindStatus, Status: &c})
}

func (s *RedisSink) send(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish to %s: %w", s.channel, err)
	}
	return nil
}

// Close releases the connection if the sink opened it.
func (s *RedisSink) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

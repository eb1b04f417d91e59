package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport dials change-stream sessions backed by Redis pub/sub. Each
// topic+filter pair maps to one pub/sub channel under the stream prefix.
type RedisTransport struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisTransport(rdb *redis.Client, logger *zap.Logger) *RedisTransport {
	return &RedisTransport{
		rdb:    rdb,
		prefix: "beacon:stream:",
		logger: logger,
	}
}

func (t *RedisTransport) Dial(ctx context.Context) (Session, error) {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("dial change-stream: %w", err)
	}
	return &redisSession{
		rdb:    t.rdb,
		prefix: t.prefix,
		logger: t.logger,
	}, nil
}

type redisSession struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

func (s *redisSession) channelName(topic, filter string) string {
	if filter == "" {
		return s.prefix + topic
	}
	return s.prefix + topic + ":" + filter
}

func (s *redisSession) Subscribe(ctx context.Context, topic, filter string, onPayload func([]byte), onError func(error)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session closed")
	}
	ps := s.rdb.Subscribe(ctx, s.channelName(topic, filter))
	s.subs = append(s.subs, ps)
	s.mu.Unlock()

	// Wait for the subscribe confirmation so callers see failures eagerly.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	go func() {
		for msg := range ps.Channel() {
			onPayload([]byte(msg.Payload))
		}
	}()

	cancel := func() {
		if err := ps.Close(); err != nil && onError != nil {
			onError(err)
		}
	}
	return cancel, nil
}

func (s *redisSession) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.rdb.Publish(ctx, s.prefix+topic, payload).Err()
}

func (s *redisSession) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ps := range s.subs {
		_ = ps.Close()
	}
	return nil
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/sync/internal/backend"
)

const redisKeyPrefix = "relay:conv:"

// RedisTransport delivers pushed messages over Redis pub/sub, one channel
// per conversation topic.
type RedisTransport struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisTransport(redisURL string, logger *slog.Logger) (*RedisTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisTransport{client: client, log: logger}, nil
}

// NewRedisTransportWithClient wraps an existing client, used by tests.
func NewRedisTransportWithClient(client *redis.Client, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{client: client, log: logger}
}

func redisKey(topic string) string {
	return redisKeyPrefix + topic
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Stream, error) {
	pubsub := t.client.Subscribe(ctx, redisKey(topic))
	// Force the SUBSCRIBE round-trip so a dead server fails here, not on
	// first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	stream := &redisStream{
		pubsub: pubsub,
		events: make(chan Event, 64),
	}
	go stream.run(t.log, topic)
	return stream, nil
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, msg backend.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := t.client.Publish(ctx, redisKey(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisStream struct {
	pubsub *redis.PubSub
	events chan Event

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *redisStream) run(logger *slog.Logger, topic string) {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for msg := range ch {
		var m backend.Message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			logger.Warn("dropping undecodable push event",
				slog.String("topic", topic), slog.Any("error", err))
			continue
		}
		s.events <- Event{Message: m}
	}
	// Channel closes on connection loss or Close; connection loss is
	// surfaced so the delivery layer can resubscribe.
	s.mu.Lock()
	if s.err == nil {
		s.err = s.pubsub.Ping(context.Background())
	}
	s.mu.Unlock()
}

func (s *redisStream) Events() <-chan Event {
	return s.events
}

func (s *redisStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"relay/sync/internal/backend"
)

const amqpMaxDialDelay = 60 * time.Second

// AMQPOptions configures the RabbitMQ transport.
type AMQPOptions struct {
	URL          string
	Exchange     string
	DialAttempts int
	DialDelay    time.Duration
	Logger       *slog.Logger
}

// AMQPTransport delivers pushed messages over a durable topic exchange,
// one routing key per conversation topic.
type AMQPTransport struct {
	conn     *amqp091.Connection
	pub      *amqp091.Channel
	exchange string
	log      *slog.Logger

	mu sync.Mutex
}

func NewAMQPTransport(ctx context.Context, opts AMQPOptions) (*AMQPTransport, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = 5
	}
	if opts.DialDelay <= 0 {
		opts.DialDelay = time.Second
	}

	conn, err := dialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPTransport{
		conn:     conn,
		pub:      pub,
		exchange: opts.Exchange,
		log:      opts.Logger,
	}, nil
}

// dialWithRetry connects with capped exponential backoff, respecting
// context cancellation.
func dialWithRetry(ctx context.Context, opts AMQPOptions) (*amqp091.Connection, error) {
	var lastErr error
	sleep := opts.DialDelay
	for i := 1; i <= opts.DialAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		opts.Logger.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		if sleep >= amqpMaxDialDelay/2 {
			sleep = amqpMaxDialDelay
		} else {
			sleep *= 2
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w",
		opts.DialAttempts, lastErr)
}

func (t *AMQPTransport) Subscribe(ctx context.Context, topic string) (Stream, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, topic, t.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	stream := &amqpStream{
		ch:     ch,
		events: make(chan Event, 64),
	}
	go stream.run(deliveries, t.log, topic)
	return stream, nil
}

func (t *AMQPTransport) Publish(ctx context.Context, topic string, msg backend.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	err = t.pub.PublishWithContext(ctx, t.exchange, topic, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        payload,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (t *AMQPTransport) Close() error {
	_ = t.pub.Close()
	return t.conn.Close()
}

type amqpStream struct {
	ch     *amqp091.Channel
	events chan Event

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *amqpStream) run(deliveries <-chan amqp091.Delivery, logger *slog.Logger, topic string) {
	defer close(s.events)
	for d := range deliveries {
		var m backend.Message
		if err := json.Unmarshal(d.Body, &m); err != nil {
			logger.Warn("dropping undecodable push event",
				slog.String("topic", topic), slog.Any("error", err))
			continue
		}
		s.events <- Event{Message: m}
	}
	s.mu.Lock()
	if s.err == nil && !s.closed() {
		s.err = errors.New("amqp delivery channel closed")
	}
	s.mu.Unlock()
}

func (s *amqpStream) closed() bool {
	return s.ch.IsClosed()
}

func (s *amqpStream) Events() <-chan Event {
	return s.events
}

func (s *amqpStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *amqpStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ch.Close()
	})
	return err
}

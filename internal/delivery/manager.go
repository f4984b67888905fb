// Package delivery owns the per-conversation push subscriptions. At most
// one subscription exists per conversation; a dropped transport is
// resubscribed with capped exponential backoff, and the gap is filled by
// fetching everything since the last delivered message, so a pause never
// loses events. It does not deduplicate; the cache reconciler does.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"relay/sync/internal/backend"
	"relay/sync/internal/transport"
)

// FetchSince fills the gap after a resubscribe. It returns the messages
// after sinceID; backend.ErrNotFound means the cursor is unknown and the
// caller falls back to a full refetch.
type FetchSince func(ctx context.Context, conversationID, sinceID string) ([]backend.Message, error)

// Refetch performs the full-refetch fallback.
type Refetch func(ctx context.Context, conversationID string) ([]backend.Message, error)

type Options struct {
	Transport  transport.Transport
	FetchSince FetchSince
	Refetch    Refetch
	BackoffMin time.Duration
	BackoffMax time.Duration
	Logger     *slog.Logger
}

type Manager struct {
	opts Options

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewManager(opts Options) *Manager {
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 250 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts: opts,
		subs: make(map[string]*Subscription),
	}
}

// Subscription is the handle for one conversation's push stream. Close is
// idempotent, never blocks on in-flight network work, and never panics on
// an already-closed handle.
type Subscription struct {
	ConversationID string

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	lastID string
}

// Open subscribes to a conversation's push stream. Opening a conversation
// that already has an active subscription returns the existing handle.
func (m *Manager) Open(ctx context.Context, conversationID string, onMessage func(backend.Message)) (*Subscription, error) {
	m.mu.Lock()
	if existing, ok := m.subs[conversationID]; ok {
		m.mu.Unlock()
		return existing, nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		ConversationID: conversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	m.subs[conversationID] = sub
	m.mu.Unlock()

	stream, err := m.opts.Transport.Subscribe(subCtx, conversationID)
	if err != nil {
		m.remove(sub)
		cancel()
		close(sub.done)
		return nil, err
	}

	go m.run(subCtx, sub, stream, onMessage)
	return sub, nil
}

// Close tears down a subscription. Safe to call multiple times.
func (m *Manager) Close(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		m.remove(sub)
		sub.cancel()
	})
}

// CloseAll tears down every active subscription and waits for their loops.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		m.Close(sub)
		<-sub.done
	}
}

func (m *Manager) remove(sub *Subscription) {
	m.mu.Lock()
	if m.subs[sub.ConversationID] == sub {
		delete(m.subs, sub.ConversationID)
	}
	m.mu.Unlock()
}

// run pumps events to onMessage until the subscription closes, transparently
// resubscribing when the transport drops.
func (m *Manager) run(ctx context.Context, sub *Subscription, stream transport.Stream, onMessage func(backend.Message)) {
	defer close(sub.done)
	log := m.opts.Logger.With(slog.String("conversation", sub.ConversationID))

	for {
		m.pump(ctx, sub, stream, onMessage)
		_ = stream.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn("push stream dropped, resubscribing", slog.Any("error", stream.Err()))

		var err error
		stream, err = m.resubscribe(ctx, sub)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("resubscribe abandoned", slog.Any("error", err))
			}
			return
		}

		// Delivery was paused, not lost: replay the gap before resuming
		// live events. The reconciler makes any overlap idempotent.
		for _, msg := range m.fillGap(ctx, sub, log) {
			sub.observe(msg.ID)
			onMessage(msg)
		}
	}
}

func (m *Manager) pump(ctx context.Context, sub *Subscription, stream transport.Stream, onMessage func(backend.Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			sub.observe(ev.Message.ID)
			onMessage(ev.Message)
		}
	}
}

func (m *Manager) resubscribe(ctx context.Context, sub *Subscription) (transport.Stream, error) {
	sleep := m.opts.BackoffMin
	for attempt := 1; ; attempt++ {
		stream, err := m.opts.Transport.Subscribe(ctx, sub.ConversationID)
		if err == nil {
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		m.opts.Logger.Warn("resubscribe failed",
			slog.String("conversation", sub.ConversationID),
			slog.Int("attempt", attempt),
			slog.Duration("sleep", sleep),
			slog.Any("error", err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		sleep = nextBackoff(sleep, m.opts.BackoffMax)
	}
}

// nextBackoff doubles the delay up to max. Checking against max before
// doubling keeps the value from overflowing during a long outage.
func nextBackoff(sleep, max time.Duration) time.Duration {
	if sleep >= max/2 {
		return max
	}
	return sleep * 2
}

func (m *Manager) fillGap(ctx context.Context, sub *Subscription, log *slog.Logger) []backend.Message {
	sinceID := sub.last()
	if sinceID != "" && m.opts.FetchSince != nil {
		msgs, err := m.opts.FetchSince(ctx, sub.ConversationID, sinceID)
		if err == nil {
			return msgs
		}
		if !errors.Is(err, backend.ErrNotFound) {
			log.Warn("gap fetch failed, falling back to full refetch", slog.Any("error", err))
		}
	}
	if m.opts.Refetch == nil {
		return nil
	}
	msgs, err := m.opts.Refetch(ctx, sub.ConversationID)
	if err != nil {
		log.Warn("full refetch after resubscribe failed", slog.Any("error", err))
		return nil
	}
	return msgs
}

func (s *Subscription) observe(id string) {
	s.mu.Lock()
	s.lastID = id
	s.mu.Unlock()
}

func (s *Subscription) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Done is closed when the subscription's pump loop has fully stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Package engine is the facade the UI layer talks to: open/close
// conversations, send messages, read the visible sequence, and work with
// threads. It wires the identity resolver, delivery channels, cache
// reconciler, thread index, and health controller together.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"relay/sync/internal/backend"
	"relay/sync/internal/cache"
	"relay/sync/internal/config"
	"relay/sync/internal/delivery"
	"relay/sync/internal/health"
	"relay/sync/internal/identity"
	"relay/sync/internal/thread"
	"relay/sync/internal/transport"
)

// Ref re-exports the identity reference shape for facade callers.
type Ref = identity.Ref

// VisibleResult is a conversation's ordered visible sequence plus the
// degraded-read staleness flag.
type VisibleResult struct {
	Messages []cache.View
	Stale    bool
}

type openConversation struct {
	ref backend.ConversationRef
	sub *delivery.Subscription
}

type Service struct {
	cfg      config.Config
	store    backend.Store
	resolver *identity.Resolver
	health   *health.Controller
	threads  *thread.Index
	cache    *cache.Reconciler
	delivery *delivery.Manager
	log      *slog.Logger

	mu   sync.Mutex
	open map[string]openConversation

	sends sync.WaitGroup
}

func New(cfg config.Config, store backend.Store, tr transport.Transport, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	healthCtl := health.NewController(health.Options{
		FailureThreshold: cfg.FailureThreshold,
		FailureWindow:    cfg.FailureWindow,
		Logger:           logger,
	})
	threads := thread.NewIndex(store, logger)

	s := &Service{
		cfg:      cfg,
		store:    store,
		resolver: identity.NewResolver(store, logger),
		health:   healthCtl,
		threads:  threads,
		log:      logger,
		open:     make(map[string]openConversation),
	}

	s.cache = cache.New(cache.Options{
		PendingTimeout:   cfg.SendTimeout,
		MaxConversations: cfg.CacheLimit,
		IsReply:          threads.IsReply,
		Logger:           logger,
	})

	s.delivery = delivery.NewManager(delivery.Options{
		Transport: tr,
		FetchSince: func(ctx context.Context, conversationID, sinceID string) ([]backend.Message, error) {
			return s.store.FetchMessagesSince(ctx, conversationID, sinceID)
		},
		Refetch: func(ctx context.Context, conversationID string) ([]backend.Message, error) {
			return s.store.FetchMessages(ctx, conversationID, cfg.FetchLimit)
		},
		BackoffMin: cfg.ResubscribeMin,
		BackoffMax: cfg.ResubscribeMax,
		Logger:     logger,
	})

	return s
}

// Health exposes the controller, mainly for syncd's /healthz.
func (s *Service) Health() *health.Controller {
	return s.health
}

// SyntheticFor derives the deterministic placeholder id for a direct
// conversation that has not been resolved yet.
func (s *Service) SyntheticFor(userA, userB string) string {
	return s.resolver.SyntheticFor(userA, userB)
}

// OpenConversation resolves the reference, seeds the cache from the
// backend, and subscribes to the conversation's push stream. Returns the
// canonical conversation id. Reopening an open conversation is a no-op
// that returns the same id.
func (s *Service) OpenConversation(ctx context.Context, ref Ref) (string, error) {
	resolveCtx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	defer cancel()

	id, err := s.resolver.Resolve(resolveCtx, ref)
	if err != nil {
		if errors.Is(err, identity.ErrUnresolvable) {
			return "", domainError(CodeUnresolvableReference, "conversation reference cannot be resolved", err.Error())
		}
		s.health.RecordFailure("resolve")
		return "", domainError(CodeBackendUnavailable, "conversation could not be resolved", err.Error())
	}
	s.health.RecordSuccess()

	convRef := backend.ChannelRef(id)
	if ref.Direct() {
		convRef = backend.DirectRef(id)
	}

	s.mu.Lock()
	if _, already := s.open[id]; already {
		s.mu.Unlock()
		return id, nil
	}
	s.open[id] = openConversation{ref: convRef}
	s.mu.Unlock()

	// Subscribe before seeding so a message committed during the seed
	// query still arrives on the push stream; the reconciler's upsert
	// makes the overlap idempotent.
	sub, err := s.delivery.Open(ctx, id, s.route)
	if err != nil {
		s.health.RecordFailure("subscribe")
		s.mu.Lock()
		delete(s.open, id)
		s.mu.Unlock()
		return "", domainError(CodeBackendUnavailable, "push subscription failed", err.Error())
	}

	s.mu.Lock()
	s.open[id] = openConversation{ref: convRef, sub: sub}
	s.mu.Unlock()

	// Seed the visible sequence. A failing backend degrades the read
	// rather than blocking the open: the UI gets a stale-flagged view.
	seedErr := s.health.Do(ctx, "fetch", func(ctx context.Context) error {
		msgs, err := s.store.FetchMessages(ctx, id, s.cfg.FetchLimit)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			s.route(msg)
		}
		return nil
	})
	if seedErr != nil {
		s.log.Warn("conversation opened with stale view",
			slog.String("conversation", id), slog.Any("error", seedErr))
	}
	return id, nil
}

// CloseConversation cancels the push subscription and destroys the cached
// view. Immediate from the caller's perspective even if the transport
// teardown is still in flight. Closing an unknown id is a no-op.
func (s *Service) CloseConversation(conversationID string) {
	s.mu.Lock()
	oc, ok := s.open[conversationID]
	delete(s.open, conversationID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.delivery.Close(oc.sub)
	s.cache.Drop(conversationID)
}

// VisibleMessages returns the ordered, de-duplicated, reply-filtered
// sequence for a conversation. Stale is set while the backend is degraded.
func (s *Service) VisibleMessages(conversationID string) VisibleResult {
	return VisibleResult{
		Messages: s.cache.Visible(conversationID),
		Stale:    s.health.Degraded(),
	}
}

// SendMessage applies an optimistic entry and returns its handle without
// waiting for the network round-trip; confirmation or failure lands on the
// cache asynchronously. While degraded, sends fail fast.
func (s *Service) SendMessage(ctx context.Context, conversationID, authorID, body string, kind backend.MessageKind) (cache.Handle, error) {
	if strings.TrimSpace(body) == "" {
		return cache.Handle{}, domainError(CodeValidation, "body is required", nil)
	}
	if s.health.Degraded() {
		return cache.Handle{}, domainError(CodeBackendUnavailable, "backend unavailable, send rejected", nil)
	}

	s.mu.Lock()
	oc, ok := s.open[conversationID]
	s.mu.Unlock()
	if !ok {
		return cache.Handle{}, domainError(CodeUnresolvableReference, "conversation is not open", conversationID)
	}

	draft := backend.Message{
		ConversationRef: oc.ref,
		AuthorID:        authorID,
		Body:            body,
		Kind:            kind,
	}
	h := s.cache.ApplyOptimistic(conversationID, draft)

	s.sends.Add(1)
	go func() {
		defer s.sends.Done()
		sendCtx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		defer cancel()

		msg, err := s.store.InsertMessage(sendCtx, oc.ref, authorID, body, kind)
		if err != nil {
			if !errors.Is(err, backend.ErrNotFound) {
				s.health.RecordFailure("send")
			}
			s.cache.Fail(h)
			s.log.Warn("send failed",
				slog.String("conversation", conversationID),
				slog.String("localId", h.LocalID),
				slog.Any("error", err))
			return
		}
		s.health.RecordSuccess()
		s.cache.ApplyConfirmed(h, msg)
	}()

	return h, nil
}

// RetrySend re-sends a failed optimistic entry. The failed entry is
// consumed; the retry gets a fresh handle.
func (s *Service) RetrySend(ctx context.Context, h cache.Handle) (cache.Handle, error) {
	draft, ok := s.cache.TakeFailed(h)
	if !ok {
		return cache.Handle{}, domainError(CodeSendFailed, "no failed send to retry", h.LocalID)
	}
	return s.SendMessage(ctx, h.ConversationID, draft.AuthorID, draft.Body, draft.Kind)
}

// DiscardSend drops a failed optimistic entry without retrying.
func (s *Service) DiscardSend(h cache.Handle) {
	s.cache.Discard(h)
}

// OpenThread returns the thread anchored to the message, creating it if
// needed, and hydrates its reply sequence. Idempotent.
func (s *Service) OpenThread(ctx context.Context, originalMessageID, parentConversationID string) (string, error) {
	if s.health.Degraded() {
		return "", domainError(CodeBackendUnavailable, "backend unavailable, thread rejected", nil)
	}

	threadID, err := s.threads.CreateThread(ctx, originalMessageID, parentConversationID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return "", domainError(CodeUnresolvableReference, "original message does not exist", originalMessageID)
		}
		s.health.RecordFailure("thread")
		return "", domainError(CodeBackendUnavailable, "thread could not be created", err.Error())
	}
	s.health.RecordSuccess()

	if err := s.threads.Hydrate(ctx, threadID); err != nil {
		s.log.Warn("thread opened without hydrated replies",
			slog.String("thread", threadID), slog.Any("error", err))
	}
	return threadID, nil
}

// ThreadReplies returns the ordered reply sequence; the reply count is its
// length, derived rather than stored.
func (s *Service) ThreadReplies(threadID string) []backend.Message {
	return s.threads.RepliesOf(threadID)
}

// ThreadFor returns the thread a promoted reply belongs to.
func (s *Service) ThreadFor(messageID string) (string, bool) {
	return s.threads.ThreadFor(messageID)
}

// ThreadParticipants returns the distinct reply authors of a thread.
func (s *Service) ThreadParticipants(threadID string) []string {
	return s.threads.Participants(threadID)
}

// ReplyInThread posts a reply. The reply is promoted into the thread before
// it can ever reach the parent conversation's visible sequence.
func (s *Service) ReplyInThread(ctx context.Context, threadID, authorID, body string, kind backend.MessageKind) (backend.Message, error) {
	if strings.TrimSpace(body) == "" {
		return backend.Message{}, domainError(CodeValidation, "body is required", nil)
	}
	if s.health.Degraded() {
		return backend.Message{}, domainError(CodeBackendUnavailable, "backend unavailable, reply rejected", nil)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	msg, err := s.store.InsertThreadReply(sendCtx, threadID, authorID, body, kind)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return backend.Message{}, domainError(CodeUnresolvableReference, "thread does not exist", threadID)
		}
		s.health.RecordFailure("reply")
		return backend.Message{}, domainError(CodeSendFailed, "reply could not be sent", err.Error())
	}
	s.health.RecordSuccess()

	if err := s.threads.AddReply(threadID, msg); err != nil {
		s.log.Warn("reply promotion rejected", slog.String("id", msg.ID), slog.Any("error", err))
	}
	return msg, nil
}

// OpenWorkspaceStream subscribes to the ambient workspace-wide topic.
// Events are routed the same way as per-conversation pushes.
func (s *Service) OpenWorkspaceStream(ctx context.Context, workspaceID string) (*delivery.Subscription, error) {
	sub, err := s.delivery.Open(ctx, transport.WorkspaceTopic(workspaceID), s.route)
	if err != nil {
		s.health.RecordFailure("subscribe")
		return nil, domainError(CodeBackendUnavailable, "workspace subscription failed", err.Error())
	}
	return sub, nil
}

// Close tears down all subscriptions and waits for in-flight confirmations.
func (s *Service) Close() {
	s.delivery.CloseAll()
	s.sends.Wait()
}

// route sends a server message to its owner: thread replies to the thread
// index (promote-before-parent-view), everything else to the reconciler.
func (s *Service) route(msg backend.Message) {
	if msg.ThreadID != "" {
		if err := s.threads.AddReply(msg.ThreadID, msg); err != nil {
			s.log.Warn("pushed reply rejected", slog.String("id", msg.ID), slog.Any("error", err))
		}
		return
	}
	s.cache.ApplyPushed(msg.ConversationRef.ID(), msg)
}

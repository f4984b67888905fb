// Package cache holds the authoritative in-memory view of the messages
// visible in each conversation. It is the single merge authority: optimistic
// local sends, server confirmations, and pushed events all flow through the
// Reconciler and come out as one de-duplicated, totally ordered sequence.
package cache

import (
	"container/list"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relay/sync/internal/backend"
	"relay/sync/internal/util"
)

// State tracks a visible message's confirmation status.
type State int

const (
	StateConfirmed State = iota
	StatePending
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// View is one entry of a conversation's visible sequence.
type View struct {
	Message backend.Message
	State   State
}

// Handle identifies an optimistic entry until its confirmation arrives.
type Handle struct {
	ConversationID string
	LocalID        string
}

// Options tunes the reconciler. Zero values select the defaults.
type Options struct {
	// PendingTimeout bounds how long an optimistic entry may stay pending
	// before it is marked failed and surfaced for retry.
	PendingTimeout time.Duration
	// MaxConversations caps resident conversations; the least recently
	// used entry is evicted when the cap is exceeded.
	MaxConversations int
	// IsReply excludes thread replies from the visible sequence.
	IsReply func(messageID string) bool
	// OnFailed is invoked (outside the entry lock) when a pending entry
	// times out.
	OnFailed func(Handle)
	Logger   *slog.Logger
}

type Reconciler struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently used
	opts    Options
	clock   func() time.Time
}

type entry struct {
	mu    sync.Mutex
	views []View
	// ids tracks canonical ids already present, for O(1) dedup.
	ids map[string]struct{}
	// confirmedLocal maps a local id to the canonical id that replaced it,
	// so a confirmation racing a push degenerates to a no-op.
	confirmedLocal map[string]string
	timers         map[string]*time.Timer
	elem           *list.Element
}

func New(opts Options) *Reconciler {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 10 * time.Second
	}
	if opts.MaxConversations <= 0 {
		opts.MaxConversations = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		entries: make(map[string]*entry),
		order:   list.New(),
		opts:    opts,
		clock:   time.Now,
	}
}

// entryFor returns the conversation's entry, creating and LRU-touching it.
func (r *Reconciler) entryFor(conversationID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[conversationID]
	if ok {
		r.order.MoveToFront(e.elem)
		return e
	}

	e = &entry{
		ids:            make(map[string]struct{}),
		confirmedLocal: make(map[string]string),
		timers:         make(map[string]*time.Timer),
	}
	e.elem = r.order.PushFront(conversationID)
	r.entries[conversationID] = e

	for len(r.entries) > r.opts.MaxConversations {
		oldest := r.order.Back()
		if oldest == nil {
			break
		}
		evictID := oldest.Value.(string)
		r.dropLocked(evictID)
		r.opts.Logger.Debug("evicted conversation cache entry",
			slog.String("conversation", evictID))
	}
	return e
}

// lookup returns the conversation's entry without creating or LRU-touching
// it. Paths that only observe or finalize existing state use this so a
// closed conversation is never resurrected.
func (r *Reconciler) lookup(conversationID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[conversationID]
	return e, ok
}

// ApplyOptimistic inserts a provisional entry with a local id and the
// client clock as its timestamp, returning a handle for the confirmation.
// This is the only part of a send that blocks the caller.
func (r *Reconciler) ApplyOptimistic(conversationID string, draft backend.Message) Handle {
	draft.ID = util.NewLocalID()
	draft.CreatedAt = r.clock()

	e := r.entryFor(conversationID)
	h := Handle{ConversationID: conversationID, LocalID: draft.ID}

	e.mu.Lock()
	e.insertLocked(View{Message: draft, State: StatePending})
	timer := time.AfterFunc(r.opts.PendingTimeout, func() {
		r.expirePending(h)
	})
	e.timers[draft.ID] = timer
	e.mu.Unlock()

	return h
}

// ApplyConfirmed replaces the provisional entry with the server copy. If a
// push of the same canonical message already arrived, the provisional entry
// is gone and this is a no-op.
func (r *Reconciler) ApplyConfirmed(h Handle, serverMsg backend.Message) {
	e, ok := r.lookup(h.ConversationID)
	if !ok {
		// Conversation closed or evicted before the confirmation landed.
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopTimerLocked(h.LocalID)

	if canonical, ok := e.confirmedLocal[h.LocalID]; ok {
		delete(e.confirmedLocal, h.LocalID)
		if canonical == serverMsg.ID {
			r.opts.Logger.Debug("duplicate confirmation suppressed",
				slog.String("id", serverMsg.ID))
			return
		}
	}

	e.removeLocked(h.LocalID)

	if _, exists := e.ids[serverMsg.ID]; exists {
		r.opts.Logger.Debug("confirmation raced push, suppressed",
			slog.String("id", serverMsg.ID))
		return
	}
	e.insertLocked(View{Message: serverMsg, State: StateConfirmed})
}

// ApplyPushed upserts a server message by canonical id; receiving the same
// message any number of times is idempotent. A push that matches a pending
// optimistic entry (same author, body, kind) absorbs it so the sender never
// sees their own message twice.
func (r *Reconciler) ApplyPushed(conversationID string, serverMsg backend.Message) {
	e := r.entryFor(conversationID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.ids[serverMsg.ID]; exists {
		// Upsert: soft edits and deletes arrive as re-pushes of the same id.
		e.replaceLocked(serverMsg)
		r.opts.Logger.Debug("duplicate push suppressed", slog.String("id", serverMsg.ID))
		return
	}

	if localID, ok := e.matchPendingLocked(serverMsg); ok {
		e.stopTimerLocked(localID)
		e.removeLocked(localID)
		e.confirmedLocal[localID] = serverMsg.ID
	}

	e.insertLocked(View{Message: serverMsg, State: StateConfirmed})
}

// Visible returns the conversation's ordered, de-duplicated sequence with
// thread replies excluded. The returned slice is a copy.
func (r *Reconciler) Visible(conversationID string) []View {
	e, ok := r.lookup(conversationID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]View, 0, len(e.views))
	for _, v := range e.views {
		if r.opts.IsReply != nil && r.opts.IsReply(v.Message.ID) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Fail marks a pending entry failed immediately, ahead of its timeout.
// Used when the send itself returned an error.
func (r *Reconciler) Fail(h Handle) {
	e, ok := r.lookup(h.ConversationID)
	if !ok {
		return
	}

	e.mu.Lock()
	e.stopTimerLocked(h.LocalID)
	for i := range e.views {
		if e.views[i].Message.ID == h.LocalID && e.views[i].State == StatePending {
			e.views[i].State = StateFailed
			break
		}
	}
	e.mu.Unlock()
}

// TakeFailed removes a failed entry and returns its draft so the caller can
// retry the send. It returns false if the handle is unknown or not failed.
func (r *Reconciler) TakeFailed(h Handle) (backend.Message, bool) {
	e, ok := r.lookup(h.ConversationID)
	if !ok {
		return backend.Message{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, v := range e.views {
		if v.Message.ID == h.LocalID && v.State == StateFailed {
			e.removeLocked(h.LocalID)
			return v.Message, true
		}
	}
	return backend.Message{}, false
}

// Discard removes an optimistic entry regardless of state.
func (r *Reconciler) Discard(h Handle) {
	e, ok := r.lookup(h.ConversationID)
	if !ok {
		return
	}

	e.mu.Lock()
	e.stopTimerLocked(h.LocalID)
	e.removeLocked(h.LocalID)
	delete(e.confirmedLocal, h.LocalID)
	e.mu.Unlock()
}

// Drop destroys a conversation's cache entry. The view is rebuildable from
// the backend, so this is always safe.
func (r *Reconciler) Drop(conversationID string) {
	r.mu.Lock()
	r.dropLocked(conversationID)
	r.mu.Unlock()
}

func (r *Reconciler) dropLocked(conversationID string) {
	e, ok := r.entries[conversationID]
	if !ok {
		return
	}
	e.mu.Lock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	r.order.Remove(e.elem)
	delete(r.entries, conversationID)
}

func (r *Reconciler) expirePending(h Handle) {
	e, ok := r.lookup(h.ConversationID)
	if !ok {
		return
	}

	e.mu.Lock()
	failed := false
	for i := range e.views {
		if e.views[i].Message.ID == h.LocalID && e.views[i].State == StatePending {
			e.views[i].State = StateFailed
			failed = true
			break
		}
	}
	delete(e.timers, h.LocalID)
	e.mu.Unlock()

	if failed {
		r.opts.Logger.Warn("send unconfirmed within timeout, marked failed",
			slog.String("conversation", h.ConversationID),
			slog.String("localId", h.LocalID))
		if r.opts.OnFailed != nil {
			r.opts.OnFailed(h)
		}
	}
}

// insertLocked places v at its ordered position (CreatedAt, then id).
func (e *entry) insertLocked(v View) {
	i := sort.Search(len(e.views), func(i int) bool {
		return v.Message.Less(e.views[i].Message)
	})
	e.views = append(e.views, View{})
	copy(e.views[i+1:], e.views[i:])
	e.views[i] = v
	if !util.IsLocalID(v.Message.ID) {
		e.ids[v.Message.ID] = struct{}{}
	}
}

func (e *entry) removeLocked(id string) {
	for i := range e.views {
		if e.views[i].Message.ID == id {
			e.views = append(e.views[:i], e.views[i+1:]...)
			delete(e.ids, id)
			return
		}
	}
}

func (e *entry) replaceLocked(msg backend.Message) {
	for i := range e.views {
		if e.views[i].Message.ID == msg.ID {
			e.views[i].Message = msg
			return
		}
	}
}

// matchPendingLocked finds a pending optimistic entry carrying the same
// content as a pushed server message.
func (e *entry) matchPendingLocked(msg backend.Message) (string, bool) {
	for _, v := range e.views {
		if v.State != StatePending {
			continue
		}
		if v.Message.AuthorID == msg.AuthorID &&
			v.Message.Body == msg.Body &&
			v.Message.Kind == msg.Kind {
			return v.Message.ID, true
		}
	}
	return "", false
}

func (e *entry) stopTimerLocked(localID string) {
	if timer, ok := e.timers[localID]; ok {
		timer.Stop()
		delete(e.timers, localID)
	}
}

// Package thread tracks which messages have been promoted into threads.
// A promoted reply belongs to exactly one thread and is excluded from its
// parent conversation's visible sequence; reply counts are always derived
// from the reply list, never stored separately.
package thread

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"relay/sync/internal/backend"
)

// Creator is the slice of the backend the index needs for canonical thread
// creation. The backend enforces original-message uniqueness.
type Creator interface {
	CreateThread(ctx context.Context, originalMessageID string) (string, error)
	FetchThreadMessages(ctx context.Context, threadID string) ([]backend.Message, error)
}

type Index struct {
	creator Creator
	log     *slog.Logger

	mu         sync.RWMutex
	byOriginal map[string]string // original message id -> thread id
	replyOf    map[string]string // reply message id -> thread id
	threads    map[string]*threadState
}

type threadState struct {
	originalMessageID    string
	parentConversationID string
	replies              []backend.Message
	replyIDs             map[string]struct{}
}

func NewIndex(creator Creator, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		creator:    creator,
		log:        logger,
		byOriginal: make(map[string]string),
		replyOf:    make(map[string]string),
		threads:    make(map[string]*threadState),
	}
}

// CreateThread returns the thread anchored to originalMessageID, creating
// it if needed. Calling it again for the same original message returns the
// existing thread; the backend's uniqueness constraint guarantees both
// sessions converge on one id.
func (x *Index) CreateThread(ctx context.Context, originalMessageID, parentConversationID string) (string, error) {
	x.mu.RLock()
	id, ok := x.byOriginal[originalMessageID]
	x.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := x.creator.CreateThread(ctx, originalMessageID)
	if err != nil {
		return "", err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.byOriginal[originalMessageID]; ok {
		return existing, nil
	}
	x.byOriginal[originalMessageID] = id
	if _, ok := x.threads[id]; !ok {
		x.threads[id] = &threadState{
			originalMessageID:    originalMessageID,
			parentConversationID: parentConversationID,
			replyIDs:             make(map[string]struct{}),
		}
	}
	return id, nil
}

// Hydrate loads the thread's reply sequence from the backend, promoting
// each reply. Used when a thread is opened.
func (x *Index) Hydrate(ctx context.Context, threadID string) error {
	replies, err := x.creator.FetchThreadMessages(ctx, threadID)
	if err != nil {
		return err
	}
	for _, reply := range replies {
		if err := x.AddReply(threadID, reply); err != nil {
			return err
		}
	}
	return nil
}

// Promote records that messageID is a reply belonging to threadID. It must
// run before the message reaches the parent conversation's reconciler view.
// Promoting the same pair again is a no-op; promoting into a different
// thread is an error (a reply belongs to exactly one thread).
func (x *Index) Promote(messageID, threadID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.promoteLocked(messageID, threadID)
}

func (x *Index) promoteLocked(messageID, threadID string) error {
	if existing, ok := x.replyOf[messageID]; ok {
		if existing == threadID {
			return nil
		}
		return fmt.Errorf("message %s already belongs to thread %s", messageID, existing)
	}
	x.replyOf[messageID] = threadID
	return nil
}

// AddReply promotes the message and inserts it into the thread's ordered
// reply sequence. Inserting the same reply twice is idempotent.
func (x *Index) AddReply(threadID string, msg backend.Message) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.promoteLocked(msg.ID, threadID); err != nil {
		return err
	}

	st, ok := x.threads[threadID]
	if !ok {
		st = &threadState{replyIDs: make(map[string]struct{})}
		x.threads[threadID] = st
	}
	if _, dup := st.replyIDs[msg.ID]; dup {
		x.log.Debug("duplicate thread reply suppressed",
			slog.String("thread", threadID), slog.String("id", msg.ID))
		return nil
	}
	st.replyIDs[msg.ID] = struct{}{}

	i := sort.Search(len(st.replies), func(i int) bool {
		return msg.Less(st.replies[i])
	})
	st.replies = append(st.replies, backend.Message{})
	copy(st.replies[i+1:], st.replies[i:])
	st.replies[i] = msg
	return nil
}

// IsReply reports whether the message has been promoted into any thread.
func (x *Index) IsReply(messageID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.replyOf[messageID]
	return ok
}

// ThreadFor returns the thread a promoted reply belongs to.
func (x *Index) ThreadFor(messageID string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.replyOf[messageID]
	return id, ok
}

// RepliesOf returns the thread's ordered reply sequence as a copy. Reply
// counts are len(RepliesOf(id)).
func (x *Index) RepliesOf(threadID string) []backend.Message {
	x.mu.RLock()
	defer x.mu.RUnlock()

	st, ok := x.threads[threadID]
	if !ok {
		return nil
	}
	out := make([]backend.Message, len(st.replies))
	copy(out, st.replies)
	return out
}

// Participants returns the distinct author ids across a thread's replies.
func (x *Index) Participants(threadID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	st, ok := x.threads[threadID]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, reply := range st.replies {
		if _, ok := seen[reply.AuthorID]; ok {
			continue
		}
		seen[reply.AuthorID] = struct{}{}
		out = append(out, reply.AuthorID)
	}
	sort.Strings(out)
	return out
}

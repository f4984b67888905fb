// Package identity maps locally-known conversation references, possibly
// synthetic, to canonical backend identifiers. Resolution of a direct
// conversation is an idempotent find-or-create through the backend; the
// synthetic placeholder is only a deterministic stand-in until then.
package identity

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"relay/sync/internal/backend"
)

// ErrUnresolvable is returned when the referenced entity cannot exist.
var ErrUnresolvable = errors.New("identity: unresolvable reference")

// Ref is a locally-known reference to a conversation: either a canonical
// channel id or an unordered direct-conversation user pair.
type Ref struct {
	ChannelID string
	UserA     string
	UserB     string
}

// Direct reports whether the ref addresses a direct conversation.
func (r Ref) Direct() bool {
	return r.ChannelID == ""
}

// Finder is the slice of the backend the resolver needs. Find-or-create is
// idempotent under concurrent resolution from both participants; the
// backend's unique constraint decides the winner.
type Finder interface {
	FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (string, error)
}

// Resolver caches pair-to-canonical-id mappings for the session. The cache
// is never persisted as truth; it is rebuilt by resolving again.
type Resolver struct {
	store Finder
	log   *slog.Logger

	mu        sync.RWMutex
	byPair    map[string]string // "low\x00high" -> canonical id
	synthetic map[string]pair   // synthetic id -> pair, for later resolution
}

type pair struct {
	low, high string
}

func NewResolver(store Finder, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		log:       logger,
		byPair:    make(map[string]string),
		synthetic: make(map[string]pair),
	}
}

func pairKey(low, high string) string {
	return low + "\x00" + high
}

// SyntheticFor derives the deterministic placeholder id for an unresolved
// direct conversation, so repeated local references before resolution stay
// self-consistent.
func (r *Resolver) SyntheticFor(userA, userB string) string {
	low, high := backend.NormalizePair(userA, userB)
	sum := sha1.Sum([]byte(pairKey(low, high)))
	id := "syn_" + hex.EncodeToString(sum[:10])

	r.mu.Lock()
	r.synthetic[id] = pair{low: low, high: high}
	r.mu.Unlock()
	return id
}

// Resolve returns the canonical conversation id for ref. Channel refs are
// already canonical. Direct refs resolve by find-or-create: the backend's
// unique constraint on the unordered pair makes concurrent resolution from
// both participants converge on the same id.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (string, error) {
	if !ref.Direct() {
		return ref.ChannelID, nil
	}
	if ref.UserA == "" || ref.UserB == "" || ref.UserA == ref.UserB {
		return "", fmt.Errorf("direct ref needs two distinct users: %w", ErrUnresolvable)
	}

	low, high := backend.NormalizePair(ref.UserA, ref.UserB)
	key := pairKey(low, high)

	r.mu.RLock()
	id, ok := r.byPair[key]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := r.store.FindOrCreateDirectConversation(ctx, low, high)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return "", fmt.Errorf("direct conversation %s/%s: %w", low, high, ErrUnresolvable)
		}
		return "", err
	}

	r.mu.Lock()
	r.byPair[key] = id
	r.mu.Unlock()

	r.log.Debug("resolved direct conversation",
		slog.String("low", low), slog.String("high", high), slog.String("id", id))
	return id, nil
}

// ResolveSynthetic resolves a previously-derived synthetic id to its
// canonical conversation id.
func (r *Resolver) ResolveSynthetic(ctx context.Context, syntheticID string) (string, error) {
	r.mu.RLock()
	p, ok := r.synthetic[syntheticID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown synthetic id %s: %w", syntheticID, ErrUnresolvable)
	}
	return r.Resolve(ctx, Ref{UserA: p.low, UserB: p.high})
}

// Package backend defines the contract the sync engine consumes from the
// message backend, the domain models shared across the engine, and a
// reference Postgres implementation.
package backend

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a referenced entity cannot exist (unknown
// user, unknown conversation, unknown thread). It is not retriable.
var ErrNotFound = errors.New("backend: not found")

// Store is the surface the engine consumes. Delivery of pushed copies of a
// write is at-least-once; InsertMessage idempotency is not guaranteed, the
// engine's reconciler tolerates duplicates.
type Store interface {
	InsertMessage(ctx context.Context, ref ConversationRef, authorID, body string, kind MessageKind) (Message, error)
	InsertThreadReply(ctx context.Context, threadID, authorID, body string, kind MessageKind) (Message, error)
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	FetchMessagesSince(ctx context.Context, conversationID string, sinceID string) ([]Message, error)
	FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (string, error)
	CreateThread(ctx context.Context, originalMessageID string) (string, error)
	FetchThreadMessages(ctx context.Context, threadID string) ([]Message, error)
	Ping(ctx context.Context) error
}

// NormalizePair orders an unordered user pair so (A,B) and (B,A) address
// the same direct conversation.
func NormalizePair(userA, userB string) (low, high string) {
	if userA > userB {
		return userB, userA
	}
	return userA, userB
}

// Package transport provides the push-event streams the delivery layer
// subscribes to. Two implementations exist: Redis pub/sub and a RabbitMQ
// topic exchange. Both deliver at-least-once; deduplication is the cache
// reconciler's job, not the transport's.
package transport

import (
	"context"

	"relay/sync/internal/backend"
)

// Event is one pushed message on a subscribed topic.
type Event struct {
	Message backend.Message
}

// Stream is a live subscription to one topic. Events is closed when the
// stream ends; Err reports why. Close is safe to call more than once.
type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Transport opens streams and publishes events. Topics are conversation
// ids, plus one workspace-wide topic for ambient updates.
type Transport interface {
	Subscribe(ctx context.Context, topic string) (Stream, error)
	Publish(ctx context.Context, topic string, msg backend.Message) error
	Close() error
}

// WorkspaceTopic names the ambient topic carrying workspace-wide updates.
func WorkspaceTopic(workspaceID string) string {
	return "workspace:" + workspaceID
}

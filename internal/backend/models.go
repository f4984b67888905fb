package backend

import "time"

// MessageKind enumerates the renderable message body types.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindCode  MessageKind = "code"
	KindLink  MessageKind = "link"
)

// ConversationRef addresses the container a message belongs to. Exactly one
// of ChannelID or DirectConversationID is set.
type ConversationRef struct {
	ChannelID            string `json:"channelId,omitempty"`
	DirectConversationID string `json:"directConversationId,omitempty"`
}

// ID returns whichever identifier is set.
func (r ConversationRef) ID() string {
	if r.ChannelID != "" {
		return r.ChannelID
	}
	return r.DirectConversationID
}

// Valid reports whether exactly one side of the ref is set.
func (r ConversationRef) Valid() bool {
	return (r.ChannelID != "") != (r.DirectConversationID != "")
}

// ChannelRef and DirectRef are convenience constructors for the two legal
// shapes of a ConversationRef.
func ChannelRef(channelID string) ConversationRef {
	return ConversationRef{ChannelID: channelID}
}

func DirectRef(conversationID string) ConversationRef {
	return ConversationRef{DirectConversationID: conversationID}
}

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message is immutable once created except for soft edit/delete. CreatedAt
// is the server timestamp and is authoritative for ordering. ThreadID is
// set when the message is a reply inside a thread; such messages never
// appear in their parent conversation's visible sequence.
type Message struct {
	ID              string          `json:"id"`
	ConversationRef ConversationRef `json:"conversationRef"`
	AuthorID        string          `json:"authorId"`
	Body            string          `json:"body"`
	Kind            MessageKind     `json:"kind"`
	CreatedAt       time.Time       `json:"createdAt"`
	ThreadID        string          `json:"threadId,omitempty"`
	Attachment      *Attachment     `json:"attachment,omitempty"`
	EditedAt        *time.Time      `json:"editedAt,omitempty"`
	DeletedAt       *time.Time      `json:"deletedAt,omitempty"`
}

// Less defines the total visible order: CreatedAt first, canonical id as
// the tiebreaker. Stable regardless of arrival order.
func (m Message) Less(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

type Channel struct {
	ID          string
	WorkspaceID string
	Name        string
	Visibility  string
	CreatedAt   time.Time
}

// DirectConversation holds the unordered participant pair in normalized
// form: UserLow < UserHigh. Uniqueness of the pair is a database
// constraint, never a client-side guess.
type DirectConversation struct {
	ID        string
	UserLow   string
	UserHigh  string
	CreatedAt time.Time
}

// Thread anchors replies to exactly one original message in one parent
// conversation. OriginalMessageID carries a uniqueness constraint so a
// message is never the original of two threads.
type Thread struct {
	ID                   string
	OriginalMessageID    string
	ParentConversationID string
	CreatedAt            time.Time
}

package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgFKViolation = "23503"

// PostgresStore is the reference Store implementation. Ordering and
// uniqueness invariants (direct-conversation pair, thread original message)
// are enforced by the schema, not by client coordination.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const messageColumns = `
	id, channel_id, direct_conversation_id, author_id, body, kind, thread_id,
	created_at, attachment_url, attachment_name, attachment_mime,
	edited_at, deleted_at
`

func (s *PostgresStore) InsertMessage(ctx context.Context, ref ConversationRef, authorID, body string, kind MessageKind) (Message, error) {
	if !ref.Valid() {
		return Message{}, fmt.Errorf("insert message: %w", ErrNotFound)
	}
	return s.insert(ctx, ref, "", authorID, body, kind)
}

func (s *PostgresStore) InsertThreadReply(ctx context.Context, threadID, authorID, body string, kind MessageKind) (Message, error) {
	var channelID, directID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT m.channel_id, m.direct_conversation_id
		FROM threads t
		JOIN messages m ON m.id = t.original_message_id
		WHERE t.id = $1
	`, threadID).Scan(&channelID, &directID)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("lookup thread parent: %w", err)
	}
	ref := ConversationRef{ChannelID: channelID.String, DirectConversationID: directID.String}
	return s.insert(ctx, ref, threadID, authorID, body, kind)
}

func (s *PostgresStore) insert(ctx context.Context, ref ConversationRef, threadID, authorID, body string, kind MessageKind) (Message, error) {
	msg := Message{
		ID:              uuid.NewString(),
		ConversationRef: ref,
		AuthorID:        authorID,
		Body:            body,
		Kind:            kind,
		ThreadID:        threadID,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, channel_id, direct_conversation_id, author_id, body, kind, thread_id)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''))
		RETURNING created_at
	`, msg.ID, ref.ChannelID, ref.DirectConversationID, authorID, body, string(kind), threadID).Scan(&msg.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgFKViolation {
			return Message{}, fmt.Errorf("insert message: %w", ErrNotFound)
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) FetchMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE (channel_id = $1 OR direct_conversation_id = $1)
			AND thread_id IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Fetched newest-first for the limit; return oldest-first.
	reverse(msgs)
	return msgs, nil
}

func (s *PostgresStore) FetchMessagesSince(ctx context.Context, conversationID, sinceID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE (channel_id = $1 OR direct_conversation_id = $1)
			AND thread_id IS NULL
			AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id = $2)
		ORDER BY created_at, id
	`, conversationID, sinceID)
	if err != nil {
		return nil, fmt.Errorf("fetch messages since: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		// The subquery yields no rows when sinceID is unknown; distinguish
		// that from an empty tail so callers can fall back to a full fetch.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id=$1)`, sinceID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check since cursor: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("since cursor %s: %w", sinceID, ErrNotFound)
		}
	}
	return msgs, nil
}

func (s *PostgresStore) FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	low, high := NormalizePair(userA, userB)

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM direct_conversations WHERE user_low = $1 AND user_high = $2
	`, low, high).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup direct conversation: %w", err)
	}

	// First writer wins on the (user_low, user_high) unique constraint;
	// the loser's insert yields no row and reads the winner's.
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO direct_conversations (id, user_low, user_high)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_low, user_high) DO NOTHING
		RETURNING id
	`, uuid.NewString(), low, high).Scan(&id)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.db.QueryRowContext(ctx, `
			SELECT id FROM direct_conversations WHERE user_low = $1 AND user_high = $2
		`, low, high).Scan(&id); err != nil {
			return "", fmt.Errorf("reread direct conversation: %w", err)
		}
		return id, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgFKViolation {
		return "", fmt.Errorf("direct conversation %s/%s: %w", low, high, ErrNotFound)
	}
	return "", fmt.Errorf("create direct conversation: %w", err)
}

func (s *PostgresStore) CreateThread(ctx context.Context, originalMessageID string) (string, error) {
	var channelID, directID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, direct_conversation_id FROM messages WHERE id = $1
	`, originalMessageID).Scan(&channelID, &directID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("original message %s: %w", originalMessageID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup original message: %w", err)
	}
	parent := channelID.String
	if parent == "" {
		parent = directID.String
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO threads (id, original_message_id, parent_conversation_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (original_message_id) DO NOTHING
		RETURNING id
	`, uuid.NewString(), originalMessageID, parent).Scan(&id)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.db.QueryRowContext(ctx, `
			SELECT id FROM threads WHERE original_message_id = $1
		`, originalMessageID).Scan(&id); err != nil {
			return "", fmt.Errorf("reread thread: %w", err)
		}
		return id, nil
	}
	return "", fmt.Errorf("create thread: %w", err)
}

func (s *PostgresStore) FetchThreadMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = $1
		ORDER BY created_at, id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("fetch thread messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			msg                           Message
			channelID, directID, threadID sql.NullString
			attURL, attName, attMime      sql.NullString
			editedAt, deletedAt           sql.NullTime
			kind                          string
		)
		if err := rows.Scan(
			&msg.ID, &channelID, &directID, &msg.AuthorID, &msg.Body, &kind, &threadID,
			&msg.CreatedAt, &attURL, &attName, &attMime, &editedAt, &deletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ConversationRef = ConversationRef{ChannelID: channelID.String, DirectConversationID: directID.String}
		msg.Kind = MessageKind(kind)
		msg.ThreadID = threadID.String
		if attURL.Valid {
			msg.Attachment = &Attachment{URL: attURL.String, Name: attName.String, MimeType: attMime.String}
		}
		if editedAt.Valid {
			t := editedAt.Time
			msg.EditedAt = &t
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			msg.DeletedAt = &t
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

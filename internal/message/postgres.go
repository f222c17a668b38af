package message

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore provides Postgres-based message storage using pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres and prepares the message schema.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		agent_chat_update BOOLEAN NOT NULL DEFAULT FALSE,
		is_final BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS conversation_recency (
		conversation_id TEXT PRIMARY KEY,
		last_activity_at TIMESTAMPTZ NOT NULL
	);`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize message schema: %w", err)
	}
	return nil
}

// Append stores a message, assigning ID, Seq and CreatedAt when unset.
func (s *PostgresStore) Append(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, direction, type, content, agent_chat_update, is_final, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		msg.ID, msg.ConversationID, string(msg.Direction), string(msg.Type),
		msg.Content, msg.AgentChatUpdate, msg.IsFinal, msg.CreatedAt).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// SetConversationRecency records the last-activity timestamp of a conversation.
func (s *PostgresStore) SetConversationRecency(ctx context.Context, conversationID string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_recency (conversation_id, last_activity_at)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id) DO UPDATE SET last_activity_at = EXCLUDED.last_activity_at`,
		conversationID, ts)
	if err != nil {
		return fmt.Errorf("failed to set conversation recency: %w", err)
	}
	return nil
}

// QuerySince returns matching messages created at or after since.
func (s *PostgresStore) QuerySince(ctx context.Context, conversationID string, since time.Time, pred Predicate) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, conversation_id, direction, type, content, agent_chat_update, is_final, created_at
		FROM messages
		WHERE conversation_id = $1 AND created_at >= $2
		ORDER BY created_at ASC, seq ASC`,
		conversationID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	return collectFiltered(rows, pred)
}

// History returns all messages of a conversation in chronological order.
func (s *PostgresStore) History(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, conversation_id, direction, type, content, agent_chat_update, is_final, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, seq ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return collectFiltered(rows, nil)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func collectFiltered(rows pgx.Rows, pred Predicate) ([]*Message, error) {
	var result []*Message
	for rows.Next() {
		var m Message
		var direction, msgType string
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &direction, &msgType,
			&m.Content, &m.AgentChatUpdate, &m.IsFinal, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Direction = Direction(direction)
		m.Type = Type(msgType)
		if pred != nil && !pred(&m) {
			continue
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

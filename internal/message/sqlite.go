package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore provides SQLite-based message storage.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite message store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		agent_chat_update INTEGER NOT NULL DEFAULT 0,
		is_final INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS conversation_recency (
		conversation_id TEXT PRIMARY KEY,
		last_activity_at TIMESTAMP NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize message schema: %w", err)
	}
	return nil
}

// Append stores a message, assigning ID, Seq and CreatedAt when unset.
func (s *SQLiteStore) Append(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, direction, type, content, agent_chat_update, is_final, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Direction), string(msg.Type),
		msg.Content, msg.AgentChatUpdate, msg.IsFinal, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message sequence: %w", err)
	}
	msg.Seq = seq
	return nil
}

// SetConversationRecency records the last-activity timestamp of a conversation.
func (s *SQLiteStore) SetConversationRecency(ctx context.Context, conversationID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_recency (conversation_id, last_activity_at)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
		conversationID, ts)
	if err != nil {
		return fmt.Errorf("failed to set conversation recency: %w", err)
	}
	return nil
}

// QuerySince returns matching messages created at or after since.
func (s *SQLiteStore) QuerySince(ctx context.Context, conversationID string, since time.Time, pred Predicate) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, conversation_id, direction, type, content, agent_chat_update, is_final, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at >= ?
		ORDER BY created_at ASC, seq ASC`,
		conversationID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	return scanFiltered(rows, pred)
}

// History returns all messages of a conversation in chronological order.
func (s *SQLiteStore) History(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, conversation_id, direction, type, content, agent_chat_update, is_final, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanFiltered(rows, nil)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanFiltered(rows *sql.Rows, pred Predicate) ([]*Message, error) {
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

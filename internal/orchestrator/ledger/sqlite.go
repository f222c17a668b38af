package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentdesk/agentdesk/internal/orchestrator/registry"
)

// SQLiteStore provides SQLite-based run record storage.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite ledger store.
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
	CREATE TABLE IF NOT EXISTS run_records (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		card_id TEXT NOT NULL DEFAULT '',
		cron_job_id TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		error_message TEXT,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_run_records_agent
		ON run_records(agent_id, started_at);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return nil
}

// Create inserts a new running record.
func (s *SQLiteStore) Create(ctx context.Context, params CreateParams) (*Record, error) {
	rec := &Record{
		ID:             uuid.New().String(),
		AgentID:        params.AgentID,
		AgentName:      params.AgentName,
		Trigger:        params.Trigger,
		ConversationID: params.ConversationID,
		CardID:         params.CardID,
		CronJobID:      params.CronJobID,
		StartedAt:      time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_records (id, agent_id, agent_name, trigger_type, conversation_id, card_id, cron_job_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.AgentName, string(rec.Trigger),
		rec.ConversationID, rec.CardID, rec.CronJobID, rec.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}
	return rec, nil
}

// Complete finalizes a record exactly once.
func (s *SQLiteStore) Complete(ctx context.Context, id string, errMsg *string, stdout, stderr string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_records
		SET completed_at = ?, error_message = ?, stdout = ?, stderr = ?
		WHERE id = ? AND completed_at IS NULL`,
		now, errMsg, stdout, stderr, id)
	if err != nil {
		return fmt.Errorf("failed to complete run record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Distinguish missing from already-completed
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM run_records WHERE id = ?)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run record: %w", err)
		}
		if !exists {
			return ErrRecordNotFound
		}
		return ErrAlreadyCompleted
	}
	return nil
}

// Get returns the record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, agent_name, trigger_type, conversation_id, card_id, cron_job_id,
		       started_at, completed_at, error_message, stdout, stderr
		FROM run_records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// ListByAgent returns the agent's records, most recent first.
func (s *SQLiteStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, agent_name, trigger_type, conversation_id, card_id, cron_job_id,
		       started_at, completed_at, error_message, stdout, stderr
		FROM run_records
		WHERE agent_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run records: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var trigger string
	var completedAt sql.NullTime
	var errMsg sql.NullString

	err := row.Scan(&rec.ID, &rec.AgentID, &rec.AgentName, &trigger,
		&rec.ConversationID, &rec.CardID, &rec.CronJobID,
		&rec.StartedAt, &completedAt, &errMsg, &rec.Stdout, &rec.Stderr)
	if err != nil {
		return nil, err
	}

	rec.Trigger = registry.Trigger(trigger)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if errMsg.Valid {
		m := errMsg.String
		rec.ErrorMessage = &m
	}
	return &rec, nil
}

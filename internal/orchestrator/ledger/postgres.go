package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentdesk/agentdesk/internal/orchestrator/registry"
)

// PostgresStore provides Postgres-based run record storage using pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres and prepares the ledger schema.
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
	CREATE TABLE IF NOT EXISTS run_records (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		card_id TEXT NOT NULL DEFAULT '',
		cron_job_id TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		error_message TEXT,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_run_records_agent
		ON run_records(agent_id, started_at);`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return nil
}

// Create inserts a new running record.
func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (*Record, error) {
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_records (id, agent_id, agent_name, trigger_type, conversation_id, card_id, cron_job_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.AgentID, rec.AgentName, string(rec.Trigger),
		rec.ConversationID, rec.CardID, rec.CronJobID, rec.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}
	return rec, nil
}

// Complete finalizes a record exactly once.
func (s *PostgresStore) Complete(ctx context.Context, id string, errMsg *string, stdout, stderr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE run_records
		SET completed_at = $1, error_message = $2, stdout = $3, stderr = $4
		WHERE id = $5 AND completed_at IS NULL`,
		time.Now().UTC(), errMsg, stdout, stderr, id)
	if err != nil {
		return fmt.Errorf("failed to complete run record: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM run_records WHERE id = $1)`, id).Scan(&exists); err != nil {
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
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, agent_name, trigger_type, conversation_id, card_id, cron_job_id,
		       started_at, completed_at, error_message, stdout, stderr
		FROM run_records WHERE id = $1`, id)

	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// ListByAgent returns the agent's records, most recent first.
func (s *PostgresStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, agent_name, trigger_type, conversation_id, card_id, cron_job_id,
		       started_at, completed_at, error_message, stdout, stderr
		FROM run_records
		WHERE agent_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run records: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var trigger string
	var completedAt *time.Time
	var errMsg *string

	err := row.Scan(&rec.ID, &rec.AgentID, &rec.AgentName, &trigger,
		&rec.ConversationID, &rec.CardID, &rec.CronJobID,
		&rec.StartedAt, &completedAt, &errMsg, &rec.Stdout, &rec.Stderr)
	if err != nil {
		return nil, err
	}

	rec.Trigger = registry.Trigger(trigger)
	rec.CompletedAt = completedAt
	rec.ErrorMessage = errMsg
	return &rec, nil
}

// Package ledger persists one audit record per subprocess invocation.
// The ledger is purely observational: no component reads it to make
// control-flow decisions.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/agentdesk/agentdesk/internal/orchestrator/registry"
)

// Common errors
var (
	ErrRecordNotFound   = errors.New("run record not found")
	ErrAlreadyCompleted = errors.New("run record already completed")
)

// Record is a single run audit entry. Created exactly once at spawn time,
// completed exactly once at process exit or spawn failure, immutable
// thereafter.
type Record struct {
	ID        string           `json:"id"`
	AgentID   string           `json:"agent_id"`
	AgentName string           `json:"agent_name"` // snapshot at spawn time
	Trigger   registry.Trigger `json:"trigger"`

	// Optional correlation ids; only the one matching the trigger is set.
	ConversationID string `json:"conversation_id,omitempty"`
	CardID         string `json:"card_id,omitempty"`
	CronJobID      string `json:"cron_job_id,omitempty"`

	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Stdout       string     `json:"stdout,omitempty"`
	Stderr       string     `json:"stderr,omitempty"`
}

// Completed reports whether the record has been finalized.
func (r *Record) Completed() bool {
	return r.CompletedAt != nil
}

// CreateParams holds the fields captured at spawn time.
type CreateParams struct {
	AgentID        string
	AgentName      string
	Trigger        registry.Trigger
	ConversationID string
	CardID         string
	CronJobID      string
}

// Store persists run records.
type Store interface {
	// Create inserts a new record with status running and returns it.
	Create(ctx context.Context, params CreateParams) (*Record, error)
	// Complete finalizes a record exactly once with the outcome and
	// captured output snapshots. Completing twice returns
	// ErrAlreadyCompleted.
	Complete(ctx context.Context, id string, errMsg *string, stdout, stderr string) error
	Get(ctx context.Context, id string) (*Record, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Record, error)
	Close() error
}

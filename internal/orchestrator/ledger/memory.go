package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides in-memory run record storage for tests and
// ephemeral setups.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create inserts a new running record.
func (s *MemoryStore) Create(ctx context.Context, params CreateParams) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	s.records[rec.ID] = rec

	cp := *rec
	return &cp, nil
}

// Complete finalizes a record exactly once.
func (s *MemoryStore) Complete(ctx context.Context, id string, errMsg *string, stdout, stderr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Completed() {
		return ErrAlreadyCompleted
	}

	now := time.Now().UTC()
	rec.CompletedAt = &now
	rec.ErrorMessage = errMsg
	rec.Stdout = stdout
	rec.Stderr = stderr
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListByAgent returns the agent's records, most recent first.
func (s *MemoryStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Record
	for _, rec := range s.records {
		if rec.AgentID == agentID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

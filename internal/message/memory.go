package message

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides in-memory message storage for tests and ephemeral setups.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*Message // conversationID -> messages
	recency  map[string]time.Time  // conversationID -> last activity
	seq      int64
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]*Message),
		recency:  make(map[string]time.Time),
	}
}

// Append stores a message, assigning ID, Seq and CreatedAt when unset.
func (s *MemoryStore) Append(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.seq++
	msg.Seq = s.seq

	stored := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &stored)
	return nil
}

// SetConversationRecency records the last-activity timestamp of a conversation.
func (s *MemoryStore) SetConversationRecency(ctx context.Context, conversationID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recency[conversationID] = ts
	return nil
}

// ConversationRecency returns the recorded last-activity timestamp, if any.
func (s *MemoryStore) ConversationRecency(conversationID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.recency[conversationID]
	return ts, ok
}

// QuerySince returns matching messages created at or after since.
func (s *MemoryStore) QuerySince(ctx context.Context, conversationID string, since time.Time, pred Predicate) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Message
	for _, m := range s.messages[conversationID] {
		if m.CreatedAt.Before(since) {
			continue
		}
		if pred != nil && !pred(m) {
			continue
		}
		cp := *m
		result = append(result, &cp)
	}
	sortChronological(result)
	return result, nil
}

// History returns all messages of a conversation in chronological order.
func (s *MemoryStore) History(ctx context.Context, conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	result := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		result = append(result, &cp)
	}
	sortChronological(result)
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// sortChronological orders messages by creation time, breaking ties by
// insertion sequence.
func sortChronological(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].Seq < msgs[j].Seq
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// Package streamstore tracks client-side state of in-flight and recently
// finished chat streams, one entry per agent+conversation key.
package streamstore

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrStreamActive is returned by Begin when the key is already streaming.
// The check happens locally, before any network call, mirroring the
// server's per-key fail-fast behavior.
var ErrStreamActive = errors.New("a stream is already active for this conversation")

// Status is the lifecycle state of one stream entry.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// Key identifies a stream: one agent answering one conversation.
type Key struct {
	AgentID        string
	ConversationID string
}

// StreamState is an observable snapshot of one stream.
type StreamState struct {
	Key       Key
	Status    Status
	Text      string
	Error     string
	MessageID string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Store holds stream entries and the unread conversation set. Terminal
// entries are garbage-collected after the retention window elapses with no
// further activity on their key.
type Store struct {
	mu        sync.Mutex
	streams   map[Key]*StreamState
	unread    map[string]bool
	viewing   string
	retention time.Duration
	now       func() time.Time
}

// NewStore creates a store with the given retention window. now is the
// clock used for timestamps and retention sweeps; pass time.Now outside
// of tests.
func NewStore(retention time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		streams:   make(map[Key]*StreamState),
		unread:    make(map[string]bool),
		retention: retention,
		now:       now,
	}
}

// Begin creates a streaming entry for key, replacing any terminal entry
// left from an earlier run. It fails if the key is already streaming.
func (s *Store) Begin(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.streams[key]; ok && cur.Status == StatusStreaming {
		return ErrStreamActive
	}

	now := s.now()
	s.streams[key] = &StreamState{
		Key:       key,
		Status:    StatusStreaming,
		StartedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// AppendDelta appends a text delta to a streaming entry. Deltas for
// unknown or terminal keys are dropped.
func (s *Store) AppendDelta(key Key, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.streams[key]
	if !ok || cur.Status != StatusStreaming {
		return
	}
	cur.Text += delta
	cur.UpdatedAt = s.now()
}

// Finish transitions a streaming entry to done with the resolved message
// id. Finishing an entry that is not streaming is a no-op.
func (s *Store) Finish(key Key, messageID string) {
	s.terminal(key, StatusDone, messageID, "")
}

// Fail transitions a streaming entry to error. Failing an entry that is
// not streaming is a no-op.
func (s *Store) Fail(key Key, errText string) {
	s.terminal(key, StatusError, "", errText)
}

func (s *Store) terminal(key Key, status Status, messageID, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.streams[key]
	if !ok || cur.Status != StatusStreaming {
		return
	}
	cur.Status = status
	cur.MessageID = messageID
	cur.Error = errText
	cur.UpdatedAt = s.now()

	if key.ConversationID != s.viewing {
		s.unread[key.ConversationID] = true
	}
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key Key) (StreamState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep()
	cur, ok := s.streams[key]
	if !ok {
		return StreamState{}, false
	}
	return *cur, true
}

// Snapshot returns copies of all live entries, expiring terminal entries
// whose retention window has elapsed.
func (s *Store) Snapshot() []StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep()
	out := make([]StreamState, 0, len(s.streams))
	for _, cur := range s.streams {
		out = append(out, *cur)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.AgentID != out[j].Key.AgentID {
			return out[i].Key.AgentID < out[j].Key.AgentID
		}
		return out[i].Key.ConversationID < out[j].Key.ConversationID
	})
	return out
}

// sweep drops terminal entries older than the retention window. Callers
// must hold s.mu.
func (s *Store) sweep() {
	cutoff := s.now().Add(-s.retention)
	for key, cur := range s.streams {
		if cur.Status != StatusStreaming && cur.UpdatedAt.Before(cutoff) {
			delete(s.streams, key)
		}
	}
}

// SetViewing records the conversation the user is currently looking at;
// streams completing on it never enter the unread set. Pass "" when no
// conversation is open.
func (s *Store) SetViewing(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewing = conversationID
}

// MarkRead clears a conversation from the unread set.
func (s *Store) MarkRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unread, conversationID)
}

// Unread returns the sorted conversation ids whose streams completed while
// not being viewed.
func (s *Store) Unread() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.unread))
	for id := range s.unread {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

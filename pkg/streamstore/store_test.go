package streamstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is an adjustable clock for retention tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(time.Minute, clock.Now), clock
}

func key(conversationID string) Key {
	return Key{AgentID: "a1", ConversationID: conversationID}
}

func TestStreamLifecycle(t *testing.T) {
	store, clock := newTestStore()
	k := key("c1")

	require.NoError(t, store.Begin(k))
	state, ok := store.Get(k)
	require.True(t, ok)
	assert.Equal(t, StatusStreaming, state.Status)

	clock.Advance(time.Second)
	store.AppendDelta(k, "Hel")
	store.AppendDelta(k, "lo")

	state, ok = store.Get(k)
	require.True(t, ok)
	assert.Equal(t, "Hello", state.Text)
	assert.True(t, state.UpdatedAt.After(state.StartedAt))

	store.Finish(k, "m-1")
	state, ok = store.Get(k)
	require.True(t, ok)
	assert.Equal(t, StatusDone, state.Status)
	assert.Equal(t, "m-1", state.MessageID)
}

func TestBeginRejectsActiveStream(t *testing.T) {
	store, _ := newTestStore()
	k := key("c1")

	require.NoError(t, store.Begin(k))
	assert.ErrorIs(t, store.Begin(k), ErrStreamActive)
}

func TestBeginReplacesTerminalEntry(t *testing.T) {
	store, _ := newTestStore()
	k := key("c1")

	require.NoError(t, store.Begin(k))
	store.Fail(k, "boom")
	require.NoError(t, store.Begin(k), "a terminal entry does not block a new run on the same key")

	state, ok := store.Get(k)
	require.True(t, ok)
	assert.Equal(t, StatusStreaming, state.Status)
	assert.Empty(t, state.Error)
}

func TestFailSetsErrorState(t *testing.T) {
	store, _ := newTestStore()
	k := key("c1")

	require.NoError(t, store.Begin(k))
	store.Fail(k, "transport closed")

	state, ok := store.Get(k)
	require.True(t, ok)
	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, "transport closed", state.Error)
}

func TestTerminalTransitionsAreFinal(t *testing.T) {
	store, _ := newTestStore()
	k := key("c1")

	require.NoError(t, store.Begin(k))
	store.Finish(k, "m-1")
	store.Fail(k, "late error")
	store.AppendDelta(k, "late delta")

	state, ok := store.Get(k)
	require.True(t, ok)
	assert.Equal(t, StatusDone, state.Status, "a terminal entry transitions exactly once")
	assert.Empty(t, state.Text)
}

func TestRetentionExpiresTerminalEntries(t *testing.T) {
	store, clock := newTestStore()
	k := key("c1")

	require.NoError(t, store.Begin(k))
	store.Finish(k, "m-1")

	clock.Advance(30 * time.Second)
	assert.Len(t, store.Snapshot(), 1, "inside the retention window the entry is observable")

	clock.Advance(31 * time.Second)
	assert.Empty(t, store.Snapshot(), "after the retention window the entry is gone")
	_, ok := store.Get(k)
	assert.False(t, ok)
}

func TestRetentionNeverExpiresStreamingEntries(t *testing.T) {
	store, clock := newTestStore()
	k := key("c1")

	require.NoError(t, store.Begin(k))
	clock.Advance(time.Hour)
	assert.Len(t, store.Snapshot(), 1, "streaming entries are not garbage-collected")
}

func TestUnreadTracking(t *testing.T) {
	store, _ := newTestStore()

	require.NoError(t, store.Begin(key("c1")))
	require.NoError(t, store.Begin(key("c2")))

	store.SetViewing("c1")
	store.Finish(key("c1"), "m-1")
	store.Finish(key("c2"), "m-2")

	assert.Equal(t, []string{"c2"}, store.Unread(),
		"only conversations completing unwatched become unread")

	store.MarkRead("c2")
	assert.Empty(t, store.Unread())
}

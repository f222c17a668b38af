package bus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribeExactSubject(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	_, err := bus.Subscribe("runs.chat", func(_ context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	sent := NewEvent(EventRunStarted, "test", map[string]interface{}{"agent_id": "a1"})
	require.NoError(t, bus.Publish(context.Background(), "runs.chat", sent))

	got := waitFor(t, received)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, EventRunStarted, got.Type)
}

func TestWildcardSubscriptions(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))
	defer bus.Close()

	single := make(chan *Event, 2)
	_, err := bus.Subscribe("runs.*", func(_ context.Context, ev *Event) error {
		single <- ev
		return nil
	})
	require.NoError(t, err)

	multi := make(chan *Event, 2)
	_, err = bus.Subscribe("runs.>", func(_ context.Context, ev *Event) error {
		multi <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "runs.cron", NewEvent(EventRunCompleted, "test", nil)))
	waitFor(t, single)
	waitFor(t, multi)

	// A deeper subject matches > but not *.
	require.NoError(t, bus.Publish(context.Background(), "runs.chat.deltas", NewEvent(EventRunDelta, "test", nil)))
	waitFor(t, multi)
	select {
	case <-single:
		t.Fatal("single-token wildcard must not match a two-token remainder")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNonMatchingSubjectNotDelivered(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	_, err := bus.Subscribe("runs.chat", func(_ context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "runs.card", NewEvent(EventRunStarted, "test", nil)))
	select {
	case <-received:
		t.Fatal("subscriber must not receive events for other subjects")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTailWildcardMatchesEveryTriggerSubject(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))
	defer bus.Close()

	received := make(chan *Event, 3)
	_, err := bus.Subscribe("runs.>", func(_ context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	for _, subject := range []string{"runs.chat", "runs.cron", "runs.card"} {
		require.NoError(t, bus.Publish(context.Background(), subject, NewEvent(EventRunStarted, "test", nil)))
		waitFor(t, received)
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"runs.chat", "runs.chat", true},
		{"runs.chat", "runs.cron", false},
		{"runs.*", "runs.chat", true},
		{"runs.*", "runs.chat.deltas", false},
		{"runs.>", "runs.chat", true},
		{"runs.>", "runs.chat.deltas", true},
		{"runs.>", "runs", false},
		{">", "runs.chat", true},
		{"runs.*.deltas", "runs.chat.deltas", true},
		{"runs.chat", "runs", false},
		{"runs", "runs.chat", false},
	}
	for _, tt := range tests {
		got := matchSubject(strings.Split(tt.pattern, "."), strings.Split(tt.subject, "."))
		assert.Equal(t, tt.want, got, "pattern %q subject %q", tt.pattern, tt.subject)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("runs.chat", func(_ context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, bus.Publish(context.Background(), "runs.chat", NewEvent(EventRunStarted, "test", nil)))
	select {
	case <-received:
		t.Fatal("unsubscribed handler must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedBusRejectsOperations(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))
	assert.True(t, bus.IsConnected())

	bus.Close()
	assert.False(t, bus.IsConnected())

	assert.Error(t, bus.Publish(context.Background(), "runs.chat", NewEvent(EventRunStarted, "test", nil)))
	_, err := bus.Subscribe("runs.chat", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}

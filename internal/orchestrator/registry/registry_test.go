package registry

import (
	"sync"
	"sync/atomic"
	"testing"

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

func TestAcquireRelease(t *testing.T) {
	reg := New(testLogger(t))
	key := Key{AgentID: "a1", Trigger: TriggerChat, ContextID: "c1"}

	require.True(t, reg.Acquire(key, &Handle{RunID: "r1"}))
	assert.False(t, reg.Acquire(key, &Handle{RunID: "r2"}), "second acquire on a held key must fail")

	h, ok := reg.Active(key)
	require.True(t, ok)
	assert.Equal(t, "r1", h.RunID)

	reg.Release(key)
	_, ok = reg.Active(key)
	assert.False(t, ok)
	assert.True(t, reg.Acquire(key, &Handle{RunID: "r3"}), "released key must be acquirable again")
}

func TestReleaseUnheldKeyIsNoop(t *testing.T) {
	reg := New(testLogger(t))
	reg.Release(Key{AgentID: "a1", Trigger: TriggerCron, ContextID: "j1"})
	assert.Equal(t, 0, reg.Count())
}

func TestKeysSegregatedByTrigger(t *testing.T) {
	reg := New(testLogger(t))

	require.True(t, reg.Acquire(Key{AgentID: "a1", Trigger: TriggerChat, ContextID: "x"}, &Handle{}))
	assert.True(t, reg.Acquire(Key{AgentID: "a1", Trigger: TriggerCron, ContextID: "x"}, &Handle{}),
		"same agent and context under a different trigger is an independent key")
	assert.True(t, reg.Acquire(Key{AgentID: "a1", Trigger: TriggerCard, ContextID: "x"}, &Handle{}))
	assert.Equal(t, 3, reg.Count())
}

func TestUpdateMutatesHandleUnderLock(t *testing.T) {
	reg := New(testLogger(t))
	key := Key{AgentID: "a1", Trigger: TriggerChat, ContextID: "c1"}

	require.True(t, reg.Acquire(key, &Handle{}))
	reg.Update(key, func(h *Handle) {
		h.RunID = "r1"
		h.PID = 42
	})

	h, ok := reg.Active(key)
	require.True(t, ok)
	assert.Equal(t, "r1", h.RunID)
	assert.Equal(t, 42, h.PID)

	reg.Release(key)
	reg.Update(key, func(*Handle) {
		t.Fatal("update on an unheld key must not invoke the callback")
	})
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	reg := New(testLogger(t))
	key := Key{AgentID: "a1", Trigger: TriggerChat, ContextID: "c1"}

	const attempts = 64
	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if reg.Acquire(key, &Handle{}) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), wins, "exactly one concurrent acquire must succeed")
	assert.Equal(t, 1, reg.Count())
}

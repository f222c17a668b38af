package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/agent"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// fakeExecutor records dispatches and signals completion.
type fakeExecutor struct {
	mu         sync.Mutex
	dispatched []string
	done       chan struct{}
}

func newFakeExecutor(expected int) *fakeExecutor {
	return &fakeExecutor{done: make(chan struct{}, expected)}
}

func (f *fakeExecutor) RunCron(_ context.Context, _ *agent.Agent, jobID, _ string) error {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, jobID)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeExecutor) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d of %d", i+1, n)
		}
	}
}

func (f *fakeExecutor) jobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dispatched...)
}

func testDirectory() *agent.MemoryDirectory {
	dir := agent.NewMemoryDirectory()
	dir.Register(&agent.Agent{ID: "a1", Name: "Bot", Model: "claude"})
	return dir
}

func TestTickDispatchesDueJobs(t *testing.T) {
	source := NewMemoryJobSource()
	source.Add(&Job{ID: "j1", AgentID: "a1", Instructions: "daily digest", Interval: time.Hour})
	source.Add(&Job{ID: "j2", AgentID: "a1", Instructions: "cleanup", Interval: time.Hour})

	executor := newFakeExecutor(2)
	runner := NewRunner(source, executor, testDirectory(), time.Second, testLogger(t))

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	runner.Tick(context.Background(), now)
	executor.wait(t, 2)

	assert.ElementsMatch(t, []string{"j1", "j2"}, executor.jobs())
}

func TestTickSkipsJobsNotYetDue(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	source := NewMemoryJobSource()
	source.Add(&Job{ID: "j1", AgentID: "a1", Interval: time.Hour, LastRunAt: now.Add(-time.Minute)})

	executor := newFakeExecutor(1)
	runner := NewRunner(source, executor, testDirectory(), time.Second, testLogger(t))

	runner.Tick(context.Background(), now)

	select {
	case <-executor.done:
		t.Fatal("a job inside its interval must not dispatch")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTickMarksRunBeforeDispatch(t *testing.T) {
	source := NewMemoryJobSource()
	source.Add(&Job{ID: "j1", AgentID: "a1", Interval: time.Hour})

	executor := newFakeExecutor(1)
	runner := NewRunner(source, executor, testDirectory(), time.Second, testLogger(t))

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	runner.Tick(context.Background(), now)
	executor.wait(t, 1)

	// A second tick at the same instant finds nothing due.
	runner.Tick(context.Background(), now)
	select {
	case <-executor.done:
		t.Fatal("the job must not dispatch twice in one interval")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchUnknownAgentIsLoggedNotFatal(t *testing.T) {
	source := NewMemoryJobSource()
	source.Add(&Job{ID: "j1", AgentID: "ghost", Interval: time.Hour})
	source.Add(&Job{ID: "j2", AgentID: "a1", Interval: time.Hour})

	executor := newFakeExecutor(1)
	runner := NewRunner(source, executor, testDirectory(), time.Second, testLogger(t))

	runner.Tick(context.Background(), time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	executor.wait(t, 1)

	assert.Equal(t, []string{"j2"}, executor.jobs(),
		"jobs for unknown agents are skipped without failing the tick")
}

func TestMemoryJobSourceDue(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	neverRun := &Job{ID: "j1", Interval: time.Hour}
	assert.True(t, neverRun.Due(now), "a job that never ran is due immediately")

	recent := &Job{ID: "j2", Interval: time.Hour, LastRunAt: now.Add(-time.Minute)}
	assert.False(t, recent.Due(now))

	elapsed := &Job{ID: "j3", Interval: time.Hour, LastRunAt: now.Add(-time.Hour)}
	assert.True(t, elapsed.Due(now), "a job is due exactly at the interval boundary")
}

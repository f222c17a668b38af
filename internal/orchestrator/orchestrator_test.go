package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/agent"
	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/message"
	"github.com/agentdesk/agentdesk/internal/orchestrator/executor"
	"github.com/agentdesk/agentdesk/internal/orchestrator/prompt"
	"github.com/agentdesk/agentdesk/internal/orchestrator/reconciler"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// fakeRunner scripts the executor contract: busy key, spawn error, or a
// terminal exit result. OnStart fires on every path past the busy check,
// matching the real executor.
type fakeRunner struct {
	busy       bool
	spawnErr   error
	result     executor.Result
	beforeExit func()
	lastReq    executor.Request
	calls      int
}

func (f *fakeRunner) Execute(_ context.Context, req executor.Request, cb executor.Callbacks) error {
	f.calls++
	f.lastReq = req
	if f.busy {
		return executor.ErrAlreadyRunning
	}
	if cb.OnStart != nil {
		cb.OnStart("run-1")
	}
	if f.spawnErr != nil {
		cb.OnSpawnError("run-1", f.spawnErr)
		return f.spawnErr
	}
	if req.Sink != nil {
		req.Sink(f.result.Stdout)
	}
	if f.beforeExit != nil {
		f.beforeExit()
	}
	cb.OnExit(f.result)
	return nil
}

func newTestOrchestrator(t *testing.T, runner ProcessRunner) (*Orchestrator, *message.MemoryStore) {
	t.Helper()
	log := testLogger(t)
	store := message.NewMemoryStore()
	return New(
		runner,
		prompt.NewBuilder(store),
		store,
		reconciler.New(store, log),
		bus.NewMemoryEventBus(log),
		log,
	), store
}

func testAgent() *agent.Agent {
	return &agent.Agent{ID: "a1", Name: "Support Bot", Model: "claude"}
}

func TestRunChatPersistsUserMessageAndResolvesStdout(t *testing.T) {
	runner := &fakeRunner{result: executor.Result{RunID: "run-1", Stdout: "Hi there!"}}
	orch, store := newTestOrchestrator(t, runner)

	var streamed string
	msg, err := orch.RunChat(context.Background(), testAgent(), "c1", "hello", func(chunk string) {
		streamed += chunk
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", msg.Content)
	assert.Equal(t, message.DirectionInbound, msg.Direction)
	assert.Equal(t, "Hi there!", streamed)

	history, err := store.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, message.DirectionOutbound, history[0].Direction)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "Hi there!", history[1].Content)

	_, ok := store.ConversationRecency("c1")
	assert.True(t, ok)
}

func TestRunChatPromptExcludesCurrentUtterance(t *testing.T) {
	runner := &fakeRunner{result: executor.Result{RunID: "run-1", Stdout: "ok"}}
	orch, _ := newTestOrchestrator(t, runner)

	_, err := orch.RunChat(context.Background(), testAgent(), "c1", "first message", nil)
	require.NoError(t, err)

	// The utterance appears once, appended by the builder, not twice via
	// history.
	assert.Equal(t, 1, strings.Count(runner.lastReq.Prompt, "first message"))
}

func TestRunChatBusyReturnsConflict(t *testing.T) {
	runner := &fakeRunner{busy: true}
	orch, _ := newTestOrchestrator(t, runner)

	_, err := orch.RunChat(context.Background(), testAgent(), "c1", "hello", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestRunChatBusyLeavesHistoryEmpty(t *testing.T) {
	runner := &fakeRunner{busy: true}
	orch, store := newTestOrchestrator(t, runner)

	_, err := orch.RunChat(context.Background(), testAgent(), "c1", "hello", nil)
	require.Error(t, err)

	// A rejected turn is resent by the caller; persisting it here would
	// put the text in history twice.
	history, herr := store.History(context.Background(), "c1")
	require.NoError(t, herr)
	assert.Empty(t, history)
}

// ctxStore fails any operation whose context is already cancelled,
// mirroring the SQL store implementations.
type ctxStore struct {
	*message.MemoryStore
}

func (s *ctxStore) Append(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Append(ctx, msg)
}

func (s *ctxStore) SetConversationRecency(ctx context.Context, conversationID string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.SetConversationRecency(ctx, conversationID, ts)
}

func (s *ctxStore) QuerySince(ctx context.Context, conversationID string, since time.Time, pred message.Predicate) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.QuerySince(ctx, conversationID, since, pred)
}

func (s *ctxStore) History(ctx context.Context, conversationID string) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.History(ctx, conversationID)
}

func TestRunChatClientDisconnectDoesNotAbortPersistence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{
		result:     executor.Result{RunID: "run-1", Stdout: "Hi there!"},
		beforeExit: cancel,
	}
	log := testLogger(t)
	store := &ctxStore{MemoryStore: message.NewMemoryStore()}
	orch := New(
		runner,
		prompt.NewBuilder(store),
		store,
		reconciler.New(store, log),
		bus.NewMemoryEventBus(log),
		log,
	)

	// The request context is cancelled while the subprocess is running,
	// as happens when the chat client disconnects mid-run.
	msg, err := orch.RunChat(ctx, testAgent(), "c1", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", msg.Content)

	history, herr := store.History(context.Background(), "c1")
	require.NoError(t, herr)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "Hi there!", history[1].Content)
}

func TestRunChatProcessErrorPersistsNoResponse(t *testing.T) {
	runner := &fakeRunner{result: executor.Result{RunID: "run-1", ExitCode: 1, Err: errors.New("exit 1")}}
	orch, store := newTestOrchestrator(t, runner)

	_, err := orch.RunChat(context.Background(), testAgent(), "c1", "hello", nil)
	require.Error(t, err)

	history, herr := store.History(context.Background(), "c1")
	require.NoError(t, herr)
	require.Len(t, history, 1, "only the user message is persisted on failure")
	assert.Equal(t, message.DirectionOutbound, history[0].Direction)
}

func TestRunCronBusyIsSilentNoop(t *testing.T) {
	runner := &fakeRunner{busy: true}
	orch, _ := newTestOrchestrator(t, runner)

	err := orch.RunCron(context.Background(), testAgent(), "job-1", "do things")
	assert.NoError(t, err, "a busy cron key skips silently; the next tick retries")
	assert.Equal(t, 1, runner.calls)
}

func TestRunCronSurfacesProcessError(t *testing.T) {
	runner := &fakeRunner{result: executor.Result{RunID: "run-1", ExitCode: 1, Err: errors.New("exit 1")}}
	orch, _ := newTestOrchestrator(t, runner)

	err := orch.RunCron(context.Background(), testAgent(), "job-1", "do things")
	assert.Error(t, err)
}

func TestRunCardReturnsOutput(t *testing.T) {
	runner := &fakeRunner{result: executor.Result{RunID: "run-1", Stdout: "card handled"}}
	orch, _ := newTestOrchestrator(t, runner)

	out, err := orch.RunCard(context.Background(), testAgent(), CardRun{
		CardID: "k1", Title: "Follow up", Description: "Call the customer",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "card handled", out)
	assert.Contains(t, runner.lastReq.Prompt, "Follow up")
	assert.Contains(t, runner.lastReq.Prompt, "Call the customer")
}

func TestRunCardBusyReturnsConflictWithoutErrorCallback(t *testing.T) {
	runner := &fakeRunner{busy: true}
	orch, _ := newTestOrchestrator(t, runner)

	var callbackErr error
	_, err := orch.RunCard(context.Background(), testAgent(), CardRun{CardID: "k1", Title: "t"}, func(e error) {
		callbackErr = e
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Nil(t, callbackErr, "busy is a synchronous caller error, not a run failure")
}

func TestRunCardFailureInvokesErrorCallback(t *testing.T) {
	runner := &fakeRunner{spawnErr: errors.New("binary not found")}
	orch, _ := newTestOrchestrator(t, runner)

	var callbackErr error
	_, err := orch.RunCard(context.Background(), testAgent(), CardRun{CardID: "k1", Title: "t"}, func(e error) {
		callbackErr = e
	})
	require.Error(t, err)
	require.Error(t, callbackErr)
}

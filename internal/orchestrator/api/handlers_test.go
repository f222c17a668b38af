package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/agent"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/message"
	"github.com/agentdesk/agentdesk/internal/orchestrator"
	"github.com/agentdesk/agentdesk/internal/orchestrator/executor"
	"github.com/agentdesk/agentdesk/internal/orchestrator/gateway"
	"github.com/agentdesk/agentdesk/internal/orchestrator/ledger"
	"github.com/agentdesk/agentdesk/internal/orchestrator/prompt"
	"github.com/agentdesk/agentdesk/internal/orchestrator/reconciler"
	"github.com/agentdesk/agentdesk/internal/orchestrator/registry"
	"github.com/agentdesk/agentdesk/internal/orchestrator/streaming"
)

type fakeRunner struct {
	busy   bool
	result executor.Result
}

func (f *fakeRunner) Execute(_ context.Context, req executor.Request, cb executor.Callbacks) error {
	if f.busy {
		return executor.ErrAlreadyRunning
	}
	if cb.OnStart != nil {
		cb.OnStart(f.result.RunID)
	}
	cb.OnExit(f.result)
	return nil
}

type testEnv struct {
	server   *httptest.Server
	messages *message.MemoryStore
	runs     *ledger.MemoryStore
}

func newTestEnv(t *testing.T, runner orchestrator.ProcessRunner) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	messages := message.NewMemoryStore()
	runs := ledger.NewMemoryStore()

	orch := orchestrator.New(
		runner,
		prompt.NewBuilder(messages),
		messages,
		reconciler.New(messages, log),
		bus.NewMemoryEventBus(log),
		log,
	)

	agents := agent.NewMemoryDirectory()
	agents.Register(&agent.Agent{ID: "a1", Name: "Bot", Model: "claude", CallbackKey: "secret-key"})

	router := NewRouter(
		NewHandler(orch, agents, messages, runs, log),
		gateway.NewHandler(orch, agents, log),
		streaming.NewHub(log),
		log,
	)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testEnv{server: server, messages: messages, runs: runs}
}

func postJSON(t *testing.T, url, body, apiKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestCallbackPersistsInboundMessage(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})

	resp := postJSON(t, env.server.URL+"/api/v1/callback",
		`{"agentId":"a1","conversationId":"c1","content":"working on it","isFinal":false}`,
		"secret-key")
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	history, err := env.messages.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, message.DirectionInbound, history[0].Direction)
	assert.True(t, history[0].AgentChatUpdate)
	assert.False(t, history[0].IsFinal)
	assert.Equal(t, "working on it", history[0].Content)
}

func TestCallbackRejectsWrongKey(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})

	resp := postJSON(t, env.server.URL+"/api/v1/callback",
		`{"agentId":"a1","conversationId":"c1","content":"x"}`,
		"wrong-key")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	history, err := env.messages.History(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCallbackRejectsMissingKey(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})

	resp := postJSON(t, env.server.URL+"/api/v1/callback",
		`{"agentId":"a1","conversationId":"c1","content":"x"}`, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCallbackValidation(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})

	resp := postJSON(t, env.server.URL+"/api/v1/callback",
		`{"agentId":"a1"}`, "secret-key")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunCardEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{result: executor.Result{RunID: "run-1", Stdout: "card done"}})

	resp := postJSON(t, env.server.URL+"/api/v1/agents/a1/cards",
		`{"cardId":"k1","title":"Follow up","description":"Call back"}`, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body CardRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "card done", body.Output)
}

func TestRunCardBusyReturnsConflict(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{busy: true})

	resp := postJSON(t, env.server.URL+"/api/v1/agents/a1/cards",
		`{"cardId":"k1","title":"Follow up"}`, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRunLedgerReadEndpoints(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})

	rec, err := env.runs.Create(context.Background(), ledger.CreateParams{
		AgentID: "a1", AgentName: "Bot", Trigger: registry.TriggerChat, ConversationID: "c1",
	})
	require.NoError(t, err)

	resp, err := http.Get(env.server.URL + "/api/v1/runs/" + rec.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got ledger.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "Bot", got.AgentName)

	listResp, err := http.Get(env.server.URL + "/api/v1/agents/a1/runs")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var listBody struct {
		Runs []*ledger.Record `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listBody))
	assert.Len(t, listBody.Runs, 1)
}

func TestGetRunMissing(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})

	resp, err := http.Get(env.server.URL + "/api/v1/runs/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

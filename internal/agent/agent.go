// Package agent defines the agent entity consumed read-only by the
// orchestrator. Agent CRUD lives in the surrounding CRM layer.
package agent

import (
	"context"
	"path/filepath"
	"time"
)

// Agent is an AI assistant configured by the CRM layer. The orchestrator
// never mutates agents; it reads the fields needed to spawn runs.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Model is the model selector string matched against known CLI
	// integrations (see internal/agent/cli).
	Model string `json:"model"`
	// BypassPermissions skips interactive tool approval for chat runs.
	// Cron and card runs always skip approval since no human is present.
	BypassPermissions bool `json:"bypass_permissions"`
	// CallbackKey is the API key scoped to the permission set computed at
	// agent creation; it is injected into the subprocess environment so
	// the agent can call back into the application API.
	CallbackKey string `json:"callback_key"`
	// ProviderEnv holds agent-specific provider credentials
	// (env var name -> value) passed through to the subprocess.
	ProviderEnv  map[string]string `json:"provider_env,omitempty"`
	LastActiveAt time.Time         `json:"last_active_at"`
}

// Workspace returns the agent's dedicated workspace directory under root.
func (a *Agent) Workspace(root string) string {
	return filepath.Join(root, a.ID)
}

// Source resolves agents by id. Implemented by the CRM entity layer.
type Source interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

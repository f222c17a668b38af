package agent

import (
	"context"
	"sync"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
)

// MemoryDirectory is an in-process Source for standalone deployments and
// tests. Production setups back Source with the CRM entity layer instead.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{agents: make(map[string]*Agent)}
}

// Register adds or replaces an agent.
func (d *MemoryDirectory) Register(ag *Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *ag
	d.agents[ag.ID] = &copied
}

// GetAgent returns a copy of the agent with the given id.
func (d *MemoryDirectory) GetAgent(_ context.Context, id string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ag, ok := d.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	copied := *ag
	return &copied, nil
}

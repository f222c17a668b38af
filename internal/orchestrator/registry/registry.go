// Package registry enforces at-most-one-active-run-per-key across agent
// subprocess invocations.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Trigger identifies what started a run. Keys are segregated by trigger,
// so a cron job and a chat session for the same agent never collide.
type Trigger string

const (
	TriggerChat Trigger = "chat"
	TriggerCron Trigger = "cron"
	TriggerCard Trigger = "card"
)

// Key is the composite identity a live run is registered under: at most
// one subprocess may be active per key at any instant.
type Key struct {
	AgentID   string
	Trigger   Trigger
	ContextID string // conversation id, cron-job id, or card id
}

// String renders the key for logging.
func (k Key) String() string {
	return k.AgentID + "/" + string(k.Trigger) + "/" + k.ContextID
}

// Handle describes the live run registered under a key.
type Handle struct {
	RunID     string
	PID       int
	StartedAt time.Time
}

// Registry tracks live runs. It is an instantiable value owned by the
// orchestrator rather than package-level state, so multiple orchestrator
// instances can coexist.
type Registry struct {
	mu     sync.Mutex
	active map[Key]*Handle
	logger *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		active: make(map[Key]*Handle),
		logger: log.WithFields(zap.String("component", "run_registry")),
	}
}

// Acquire registers a run under key. It returns true if the key was newly
// held and false if a run is already active under it. The check and set
// are atomic with respect to other Acquire/Release calls.
func (r *Registry) Acquire(key Key, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.active[key]; held {
		return false
	}
	r.active[key] = h
	r.logger.Debug("run key acquired", zap.String("key", key.String()))
	return true
}

// Release frees the key. Releasing an unheld key is a no-op.
func (r *Registry) Release(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.active[key]; held {
		delete(r.active, key)
		r.logger.Debug("run key released", zap.String("key", key.String()))
	}
}

// Update mutates the handle registered under key while holding the
// registry lock, so a concurrent Active never observes a torn write.
// Updating an unheld key is a no-op.
func (r *Registry) Update(key Key, update func(h *Handle)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, held := r.active[key]; held {
		update(h)
	}
}

// Active returns the handle registered under key, if any.
func (r *Registry) Active(key Key) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.active[key]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}

// Count returns the number of live runs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

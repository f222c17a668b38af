// Package executor spawns, monitors and finalizes one external CLI agent
// process per run.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdesk/agentdesk/internal/agent"
	"github.com/agentdesk/agentdesk/internal/agent/cli"
	"github.com/agentdesk/agentdesk/internal/agent/credentials"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/orchestrator/ledger"
	"github.com/agentdesk/agentdesk/internal/orchestrator/registry"
)

// Common errors
var (
	// ErrAlreadyRunning is returned when the run key is already held.
	ErrAlreadyRunning = errors.New("a run is already active for this key")
)

// Sink receives stdout chunks in arrival order. It is only supplied on
// the streaming chat path.
type Sink func(chunk string)

// Config holds executor configuration.
type Config struct {
	// WorkspaceRoot is the base directory for agent workspaces.
	WorkspaceRoot string
	// CallbackBaseURL is injected as AGENTDESK_API_URL so the subprocess
	// can call back into the application API.
	CallbackBaseURL string
}

// Request describes one invocation.
type Request struct {
	Agent        *agent.Agent
	Key          registry.Key
	Prompt       string
	SystemPrompt string
	// Sink, when non-nil, receives stdout chunks as they arrive.
	Sink Sink
}

// Result is the outcome of a completed (post-spawn) invocation.
type Result struct {
	RunID    string
	ExitCode int
	Stdout   string
	Stderr   string
	// Err is non-nil when the run is classified as a process error:
	// non-zero exit with no stdout produced.
	Err error
}

// Callbacks receive the lifecycle of an invocation. OnStart fires once
// after the run key is acquired and the run record created, before the
// process spawns; a busy key fires nothing. Exactly one of OnExit or
// OnSpawnError fires per invocation, and the run key is always released
// before it does.
type Callbacks struct {
	OnStart      func(runID string)
	OnExit       func(res Result)
	OnSpawnError func(runID string, err error)
}

// Executor composes the run registry, the ledger and the credential
// provider to execute agent subprocesses.
type Executor struct {
	registry *registry.Registry
	ledger   ledger.Store
	creds    *credentials.Provider
	cfg      Config
	logger   *logger.Logger
}

// New creates a new executor.
func New(reg *registry.Registry, led ledger.Store, creds *credentials.Provider, cfg Config, log *logger.Logger) *Executor {
	return &Executor{
		registry: reg,
		ledger:   led,
		creds:    creds,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "executor")),
	}
}

// Execute runs one invocation synchronously: it acquires the run key,
// records the run in the ledger, spawns the subprocess and blocks until
// it exits. ErrAlreadyRunning is returned without side effects when the
// key is held; trigger-specific busy policy is the caller's concern.
func (e *Executor) Execute(ctx context.Context, req Request, cb Callbacks) error {
	skipPermissions := req.Key.Trigger != registry.TriggerChat || req.Agent.BypassPermissions

	integration := cli.Classify(req.Agent.Model)
	args := integration.BuildArgs(cli.CommandOptions{
		Prompt:          req.Prompt,
		SystemPrompt:    req.SystemPrompt,
		Model:           req.Agent.Model,
		SkipPermissions: skipPermissions,
	})

	handle := &registry.Handle{StartedAt: time.Now().UTC()}
	if !e.registry.Acquire(req.Key, handle) {
		return ErrAlreadyRunning
	}

	rec, err := e.ledger.Create(ctx, ledger.CreateParams{
		AgentID:        req.Agent.ID,
		AgentName:      req.Agent.Name,
		Trigger:        req.Key.Trigger,
		ConversationID: correlation(req.Key, registry.TriggerChat),
		CardID:         correlation(req.Key, registry.TriggerCard),
		CronJobID:      correlation(req.Key, registry.TriggerCron),
	})
	if err != nil {
		e.registry.Release(req.Key)
		return fmt.Errorf("failed to create run record: %w", err)
	}
	e.registry.Update(req.Key, func(h *registry.Handle) { h.RunID = rec.ID })

	// The run now exists: its finalization must survive the caller's
	// context, which is cancelled when a chat client disconnects mid-run.
	ctx = context.WithoutCancel(ctx)

	if cb.OnStart != nil {
		cb.OnStart(rec.ID)
	}

	log := e.logger.WithAgentID(req.Agent.ID).WithRunID(rec.ID)
	log.Info("spawning agent process",
		zap.String("integration", integration.Kind.String()),
		zap.String("binary", integration.Binary),
		zap.String("trigger", string(req.Key.Trigger)),
		zap.Bool("skip_permissions", skipPermissions))

	workspace := req.Agent.Workspace(e.cfg.WorkspaceRoot)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return e.failSpawn(ctx, req.Key, rec.ID, cb, fmt.Errorf("failed to prepare workspace: %w", err))
	}

	// Deliberately not exec.CommandContext: the run must outlive any
	// request context; a run ends only when the subprocess exits.
	cmd := exec.Command(integration.Binary, args...)
	cmd.Dir = workspace
	cmd.Env = e.buildEnv(req.Agent)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return e.failSpawn(ctx, req.Key, rec.ID, cb, fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return e.failSpawn(ctx, req.Key, rec.ID, cb, fmt.Errorf("failed to create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return e.failSpawn(ctx, req.Key, rec.ID, cb, fmt.Errorf("failed to start agent process: %w", err))
	}
	e.registry.Update(req.Key, func(h *registry.Handle) { h.PID = cmd.Process.Pid })
	log.Info("agent process started", zap.Int("pid", cmd.Process.Pid))

	var stdoutBuf, stderrBuf bytes.Buffer

	var g errgroup.Group
	g.Go(func() error {
		// Single reader keeps chunks in arrival order for the sink.
		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				chunk := string(buf[:n])
				stdoutBuf.WriteString(chunk)
				if req.Sink != nil {
					req.Sink(chunk)
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					log.Debug("stdout read error", zap.Error(readErr))
				}
				return nil
			}
		}
	})
	g.Go(func() error {
		if _, copyErr := io.Copy(&stderrBuf, stderr); copyErr != nil {
			log.Debug("stderr read error", zap.Error(copyErr))
		}
		return nil
	})
	_ = g.Wait()

	waitErr := cmd.Wait()
	res := Result{
		RunID:    rec.ID,
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
	}

	// A non-zero exit is an execution error only when nothing was written
	// to stdout; integrations may emit a final chunk before a non-zero
	// status.
	if waitErr != nil && strings.TrimSpace(res.Stdout) == "" {
		res.Err = fmt.Errorf("agent process failed (exit code %d): %w", res.ExitCode, waitErr)
	}

	var errMsg *string
	if res.Err != nil {
		m := res.Err.Error()
		errMsg = &m
	}
	if err := e.ledger.Complete(ctx, rec.ID, errMsg, res.Stdout, res.Stderr); err != nil {
		log.Error("failed to complete run record", zap.Error(err))
	}

	e.registry.Release(req.Key)

	if res.Err != nil {
		log.Warn("agent process failed", zap.Int("exit_code", res.ExitCode), zap.String("stderr", res.Stderr))
	} else {
		log.Info("agent process exited", zap.Int("exit_code", res.ExitCode), zap.Int("stdout_bytes", len(res.Stdout)))
	}

	if cb.OnExit != nil {
		cb.OnExit(res)
	}
	return nil
}

// failSpawn finalizes a run that never reached a successful spawn.
func (e *Executor) failSpawn(ctx context.Context, key registry.Key, runID string, cb Callbacks, spawnErr error) error {
	msg := spawnErr.Error()
	if err := e.ledger.Complete(context.WithoutCancel(ctx), runID, &msg, "", ""); err != nil {
		e.logger.Error("failed to complete run record after spawn failure",
			zap.String("run_id", runID), zap.Error(err))
	}

	e.registry.Release(key)
	e.logger.WithRunID(runID).Error("agent process spawn failed", zap.Error(spawnErr))

	if cb.OnSpawnError != nil {
		cb.OnSpawnError(runID, spawnErr)
	}
	return spawnErr
}

// buildEnv augments the host environment with provider credentials and
// the workspace callback credentials.
func (e *Executor) buildEnv(a *agent.Agent) []string {
	env := os.Environ()
	env = append(env, e.creds.Env(a.ProviderEnv)...)
	env = append(env,
		"AGENTDESK_API_URL="+e.cfg.CallbackBaseURL,
		"AGENTDESK_API_KEY="+a.CallbackKey,
	)
	return env
}

// correlation returns the key's context id when the trigger matches.
func correlation(key registry.Key, trigger registry.Trigger) string {
	if key.Trigger == trigger {
		return key.ContextID
	}
	return ""
}

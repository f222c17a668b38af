// AgentDesk runs CLI AI agents as subprocesses for chat, cron and card
// triggers, streams their output, and reconciles their reporting channels.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/agent"
	"github.com/agentdesk/agentdesk/internal/agent/credentials"
	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/message"
	"github.com/agentdesk/agentdesk/internal/orchestrator"
	"github.com/agentdesk/agentdesk/internal/orchestrator/api"
	"github.com/agentdesk/agentdesk/internal/orchestrator/cron"
	"github.com/agentdesk/agentdesk/internal/orchestrator/executor"
	"github.com/agentdesk/agentdesk/internal/orchestrator/gateway"
	"github.com/agentdesk/agentdesk/internal/orchestrator/ledger"
	"github.com/agentdesk/agentdesk/internal/orchestrator/prompt"
	"github.com/agentdesk/agentdesk/internal/orchestrator/reconciler"
	"github.com/agentdesk/agentdesk/internal/orchestrator/registry"
	"github.com/agentdesk/agentdesk/internal/orchestrator/streaming"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentdesk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	messages, runs, err := newStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer messages.Close()
	defer runs.Close()

	agents := agent.NewMemoryDirectory()
	for _, seed := range cfg.Agents {
		model := seed.Model
		if model == "" {
			model = cfg.Agent.DefaultModel
		}
		agents.Register(&agent.Agent{
			ID:                seed.ID,
			Name:              seed.Name,
			Model:             model,
			BypassPermissions: seed.BypassPermissions,
			CallbackKey:       seed.CallbackKey,
			ProviderEnv:       seed.ProviderEnv,
		})
		log.Info("agent registered", zap.String("agent_id", seed.ID), zap.String("model", model))
	}

	exec := executor.New(
		registry.New(log),
		runs,
		credentials.NewEnvProvider(),
		executor.Config{
			WorkspaceRoot:   cfg.Agent.WorkspaceRoot,
			CallbackBaseURL: cfg.Agent.CallbackBaseURL,
		},
		log,
	)

	orch := orchestrator.New(
		exec,
		prompt.NewBuilder(messages),
		messages,
		reconciler.New(messages, log),
		eventBus,
		log,
	)

	hub := streaming.NewHub(log)
	go func() {
		if err := hub.Run(ctx, eventBus); err != nil {
			log.Error("observer hub failed", zap.Error(err))
		}
	}()

	cronRunner := cron.NewRunner(cron.NewMemoryJobSource(), orch, agents, cfg.Orchestrator.CronInterval, log)
	go cronRunner.Run(ctx)

	router := api.NewRouter(
		api.NewHandler(orch, agents, messages, runs, log),
		gateway.NewHandler(orch, agents, log),
		hub,
		log,
	)

	server := &http.Server{
		Addr:        cfg.Server.Address(),
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout stays at the configured value (0 by default) so
		// chat streams are not cut off mid-run.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown incomplete", zap.Error(err))
	}
	return nil
}

func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if !cfg.NATS.Enabled {
		return bus.NewMemoryEventBus(log), nil
	}
	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return natsBus, nil
}

func newStores(ctx context.Context, cfg *config.Config) (message.Store, ledger.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		return message.NewMemoryStore(), ledger.NewMemoryStore(), nil

	case "sqlite":
		messages, err := message.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open message store: %w", err)
		}
		runs, err := ledger.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			messages.Close()
			return nil, nil, fmt.Errorf("failed to open run ledger: %w", err)
		}
		return messages, runs, nil

	case "postgres":
		messages, err := message.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open message store: %w", err)
		}
		runs, err := ledger.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			messages.Close()
			return nil, nil, fmt.Errorf("failed to open run ledger: %w", err)
		}
		return messages, runs, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// Package orchestrator runs CLI AI agents as subprocesses on behalf of
// three trigger categories (chat, cron, card), enforcing per-key mutual
// exclusion and reconciling run output into one authoritative response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/agent"
	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/message"
	"github.com/agentdesk/agentdesk/internal/orchestrator/executor"
	"github.com/agentdesk/agentdesk/internal/orchestrator/prompt"
	"github.com/agentdesk/agentdesk/internal/orchestrator/reconciler"
	"github.com/agentdesk/agentdesk/internal/orchestrator/registry"
)

// SubjectRuns is the event bus subject prefix for run lifecycle events;
// the trigger category is appended (runs.chat, runs.cron, runs.card).
const SubjectRuns = "runs"

// ProcessRunner executes one subprocess invocation. Implemented by
// executor.Executor; an interface so trigger policy can be tested without
// spawning processes.
type ProcessRunner interface {
	Execute(ctx context.Context, req executor.Request, cb executor.Callbacks) error
}

// CardRun describes a card (task) assignment handed to an agent.
type CardRun struct {
	CardID      string
	Title       string
	Description string
}

// Orchestrator composes the prompt builder, the process runner, the
// message store, the reconciler and the event bus.
type Orchestrator struct {
	runner     ProcessRunner
	prompts    *prompt.Builder
	messages   message.Store
	reconciler *reconciler.Reconciler
	bus        bus.EventBus
	logger     *logger.Logger
}

// New creates a new orchestrator.
func New(runner ProcessRunner, prompts *prompt.Builder, messages message.Store, rec *reconciler.Reconciler, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		runner:     runner,
		prompts:    prompts,
		messages:   messages,
		reconciler: rec,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
	}
}

// RunChat executes one chat turn: it spawns the agent with the rebuilt
// conversation prompt, streams stdout chunks to sink (when non-nil),
// reconciles the output and returns the authoritative response message.
// The user's utterance is persisted only once the run key is acquired, so
// a turn rejected as busy leaves no trace in history.
//
// A run already active on the conversation surfaces a conflict error to
// the caller; no retry is attempted.
func (o *Orchestrator) RunChat(ctx context.Context, ag *agent.Agent, conversationID, text string, sink executor.Sink) (*message.Message, error) {
	key := registry.Key{AgentID: ag.ID, Trigger: registry.TriggerChat, ContextID: conversationID}
	tc := prompt.Context{AgentID: ag.ID, Trigger: registry.TriggerChat, ConversationID: conversationID}

	// Build the prompt before persisting the utterance so history does
	// not contain it twice.
	body, err := o.prompts.BuildChat(ctx, tc, text)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to build chat prompt")
	}

	// The run outlives the request: a chat client disconnecting mid-run
	// cancels ctx, but persistence and event delivery must still finish.
	bg := context.WithoutCancel(ctx)

	var startedAt time.Time
	res, err := o.execute(ctx, ag, key, body, o.prompts.SystemPrompt(registry.TriggerChat), o.deltaSink(bg, key, sink), func(runID string) {
		startedAt = time.Now().UTC()
		userMsg := &message.Message{
			ConversationID: conversationID,
			Direction:      message.DirectionOutbound,
			Type:           message.TypeText,
			Content:        text,
		}
		if err := o.messages.Append(bg, userMsg); err != nil {
			o.logger.Error("failed to persist user message",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
		if err := o.messages.SetConversationRecency(bg, conversationID, startedAt); err != nil {
			o.logger.Warn("failed to update conversation recency, continuing",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
		o.publish(bg, key, bus.EventRunStarted, map[string]interface{}{
			"agent_id":        ag.ID,
			"conversation_id": conversationID,
			"run_id":          runID,
		})
	})
	if err != nil {
		if !apperrors.IsConflict(err) {
			o.publishFailure(bg, key, ag.ID, err)
		}
		return nil, err
	}

	resolved, err := o.reconciler.Reconcile(bg, conversationID, startedAt, res.Stdout)
	if err != nil {
		o.publishFailure(bg, key, ag.ID, err)
		return nil, apperrors.Wrap(err, "failed to reconcile run output")
	}
	if err := o.messages.SetConversationRecency(bg, conversationID, time.Now().UTC()); err != nil {
		o.logger.Warn("failed to update conversation recency, continuing",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}

	o.publish(bg, key, bus.EventRunCompleted, map[string]interface{}{
		"agent_id":   ag.ID,
		"run_id":     res.RunID,
		"message_id": resolved.ID,
	})
	return resolved, nil
}

// RunCron executes one scheduled tick. A tick whose key is already held
// is a silent no-op: no second subprocess spawns and no error surfaces,
// the next scheduled tick will retry.
func (o *Orchestrator) RunCron(ctx context.Context, ag *agent.Agent, jobID, instructions string) error {
	key := registry.Key{AgentID: ag.ID, Trigger: registry.TriggerCron, ContextID: jobID}
	tc := prompt.Context{AgentID: ag.ID, Trigger: registry.TriggerCron, CronJobID: jobID}

	body := o.prompts.BuildTask(tc, instructions)

	bg := context.WithoutCancel(ctx)
	res, err := o.execute(ctx, ag, key, body, o.prompts.SystemPrompt(registry.TriggerCron), nil, func(runID string) {
		o.publish(bg, key, bus.EventRunStarted, map[string]interface{}{
			"agent_id":    ag.ID,
			"cron_job_id": jobID,
			"run_id":      runID,
		})
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == apperrors.ErrCodeConflict {
			o.logger.Info("cron tick skipped, previous run still active",
				zap.String("agent_id", ag.ID), zap.String("cron_job_id", jobID))
			return nil
		}
		o.publishFailure(bg, key, ag.ID, err)
		return err
	}

	o.publish(bg, key, bus.EventRunCompleted, map[string]interface{}{
		"agent_id": ag.ID,
		"run_id":   res.RunID,
	})
	return nil
}

// RunCard executes a card (task) assignment and returns the agent's
// output text. On failure the caller-supplied onError is invoked once; no
// retry is attempted.
func (o *Orchestrator) RunCard(ctx context.Context, ag *agent.Agent, card CardRun, onError func(error)) (string, error) {
	key := registry.Key{AgentID: ag.ID, Trigger: registry.TriggerCard, ContextID: card.CardID}
	tc := prompt.Context{AgentID: ag.ID, Trigger: registry.TriggerCard, CardID: card.CardID}

	instructions := card.Title
	if card.Description != "" {
		instructions += "\n\n" + card.Description
	}
	body := o.prompts.BuildTask(tc, instructions)

	bg := context.WithoutCancel(ctx)
	res, err := o.execute(ctx, ag, key, body, o.prompts.SystemPrompt(registry.TriggerCard), nil, func(runID string) {
		o.publish(bg, key, bus.EventRunStarted, map[string]interface{}{
			"agent_id": ag.ID,
			"card_id":  card.CardID,
			"run_id":   runID,
		})
	})
	if err != nil {
		if !apperrors.IsConflict(err) {
			if onError != nil {
				onError(err)
			}
			o.publishFailure(bg, key, ag.ID, err)
		}
		return "", err
	}

	o.publish(bg, key, bus.EventRunCompleted, map[string]interface{}{
		"agent_id": ag.ID,
		"run_id":   res.RunID,
		"card_id":  card.CardID,
	})
	return res.Stdout, nil
}

// execute runs the subprocess and maps the three outcome channels (busy
// key, spawn error, process exit) onto a single result/error pair.
// onStart fires once the key is acquired; a busy key never reaches it.
func (o *Orchestrator) execute(ctx context.Context, ag *agent.Agent, key registry.Key, body, systemPrompt string, sink executor.Sink, onStart func(runID string)) (executor.Result, error) {
	var (
		res      executor.Result
		exited   bool
		spawnErr error
	)

	err := o.runner.Execute(ctx, executor.Request{
		Agent:        ag,
		Key:          key,
		Prompt:       body,
		SystemPrompt: systemPrompt,
		Sink:         sink,
	}, executor.Callbacks{
		OnStart: onStart,
		OnExit: func(r executor.Result) {
			res = r
			exited = true
		},
		OnSpawnError: func(runID string, err error) {
			spawnErr = err
		},
	})

	switch {
	case errors.Is(err, executor.ErrAlreadyRunning):
		return executor.Result{}, apperrors.Conflict(
			fmt.Sprintf("agent '%s' is already processing %s '%s'", ag.ID, key.Trigger, key.ContextID))
	case spawnErr != nil:
		return executor.Result{}, apperrors.Wrap(spawnErr, "failed to launch agent")
	case err != nil:
		return executor.Result{}, apperrors.Wrap(err, "agent execution failed")
	case !exited:
		return executor.Result{}, apperrors.InternalError("agent run ended without a terminal callback", nil)
	case res.Err != nil:
		return executor.Result{}, apperrors.Wrap(res.Err, "agent run failed")
	default:
		return res, nil
	}
}

// deltaSink chains the caller's sink with a run.delta event per chunk so
// bus observers (e.g. the WebSocket hub) see live progress.
func (o *Orchestrator) deltaSink(ctx context.Context, key registry.Key, sink executor.Sink) executor.Sink {
	return func(chunk string) {
		if sink != nil {
			sink(chunk)
		}
		o.publish(ctx, key, bus.EventRunDelta, map[string]interface{}{
			"agent_id":        key.AgentID,
			"conversation_id": key.ContextID,
			"delta":           chunk,
		})
	}
}

// publish emits a bus event with an intentional log-and-continue policy:
// event delivery is best-effort and never affects run control flow.
func (o *Orchestrator) publish(ctx context.Context, key registry.Key, eventType string, data map[string]interface{}) {
	subject := SubjectRuns + "." + string(key.Trigger)
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.logger.Warn("event publish failed, continuing",
			zap.String("subject", subject),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (o *Orchestrator) publishFailure(ctx context.Context, key registry.Key, agentID string, err error) {
	o.publish(ctx, key, bus.EventRunFailed, map[string]interface{}{
		"agent_id": agentID,
		"error":    err.Error(),
	})
}

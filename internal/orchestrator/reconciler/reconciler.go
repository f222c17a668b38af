// Package reconciler selects the single authoritative response message
// for a completed run from two independent reporting channels: raw
// subprocess stdout and callback messages the agent posted into its own
// conversation.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/message"
)

// Placeholder is persisted when a run produced neither stdout nor any
// callback message.
const Placeholder = "I've completed processing, but didn't produce a response."

// Reconciler resolves run output against the conversation message log.
type Reconciler struct {
	messages message.Store
	logger   *logger.Logger
}

// New creates a reconciler over the message store collaborator.
func New(messages message.Store, log *logger.Logger) *Reconciler {
	return &Reconciler{
		messages: messages,
		logger:   log.WithFields(zap.String("component", "reconciler")),
	}
}

// Reconcile runs once per completed invocation. It scans callback
// messages created at or after the run start and resolves the
// authoritative response by precedence:
//
//  1. the most recent callback message flagged final;
//  2. non-empty captured stdout, persisted as a new inbound message;
//  3. the most recent non-final callback update, reused as-is;
//  4. a literal placeholder message, persisted.
//
// Two generations of integrations coexist: legacy ones only write to
// stdout, newer ones are instructed to report through the callback API.
// The precedence avoids emitting the answer twice.
//
// The scan window has no upper bound: a callback message that lands after
// this read is not picked up until a later run rescans the conversation.
func (r *Reconciler) Reconcile(ctx context.Context, conversationID string, startedAt time.Time, stdout string) (*message.Message, error) {
	updates, err := r.messages.QuerySince(ctx, conversationID, startedAt, message.CallbackOriginated)
	if err != nil {
		return nil, fmt.Errorf("failed to query callback messages: %w", err)
	}

	// QuerySince returns chronological order, so the last match is the
	// most recent.
	var latestFinal, latestUpdate *message.Message
	for _, m := range updates {
		if m.IsFinal {
			latestFinal = m
		} else {
			latestUpdate = m
		}
	}

	log := r.logger.WithConversationID(conversationID)

	if latestFinal != nil {
		log.Debug("resolved run output from final callback message",
			zap.String("message_id", latestFinal.ID))
		return latestFinal, nil
	}

	if strings.TrimSpace(stdout) != "" {
		msg := &message.Message{
			ConversationID: conversationID,
			Direction:      message.DirectionInbound,
			Type:           message.TypeText,
			Content:        stdout,
			IsFinal:        true,
		}
		if err := r.messages.Append(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to persist stdout message: %w", err)
		}
		log.Debug("resolved run output from captured stdout",
			zap.String("message_id", msg.ID))
		return msg, nil
	}

	if latestUpdate != nil {
		log.Debug("resolved run output from latest progress update",
			zap.String("message_id", latestUpdate.ID))
		return latestUpdate, nil
	}

	msg := &message.Message{
		ConversationID: conversationID,
		Direction:      message.DirectionInbound,
		Type:           message.TypeText,
		Content:        Placeholder,
		IsFinal:        true,
	}
	if err := r.messages.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist placeholder message: %w", err)
	}
	log.Debug("run produced no output, persisted placeholder",
		zap.String("message_id", msg.ID))
	return msg, nil
}

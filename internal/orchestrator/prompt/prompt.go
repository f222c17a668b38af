// Package prompt builds the system prompt and prompt body for each run,
// selected by trigger.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentdesk/agentdesk/internal/message"
	"github.com/agentdesk/agentdesk/internal/orchestrator/registry"
)

// chatPersona is the system prompt for interactive chat runs.
const chatPersona = `You are a helpful AI assistant embedded in a CRM, chatting with a user on behalf of your operator.
Keep replies conversational and concise. Report progress and your final answer through the AgentDesk callback API:
POST {AGENTDESK_API_URL}/callback with {"conversationId": "...", "content": "...", "isFinal": false} for progress updates
and isFinal: true for your final answer. Authenticate with the AGENTDESK_API_KEY from your environment.
If you cannot reach the callback API, print your final answer to standard output instead.`

// taskPersona is the system prompt for cron and card runs, where no human
// is present to converse with.
const taskPersona = `You are an autonomous AI agent executing a task inside a CRM. No human is watching; do not ask questions.
Complete the task described below, then report the outcome through the AgentDesk callback API if a conversation id is
provided in the trigger context, or print a short summary of what you did to standard output.`

// Context carries the correlation fields of the run being prompted. Only
// non-empty fields are rendered into the trigger context header.
type Context struct {
	AgentID        string
	Trigger        registry.Trigger
	ConversationID string
	CronJobID      string
	CardID         string
}

// HistoryReader reads prior conversation messages for the chat trigger.
type HistoryReader interface {
	History(ctx context.Context, conversationID string) ([]*message.Message, error)
}

// Builder produces trigger-specific prompts.
type Builder struct {
	history HistoryReader
}

// NewBuilder creates a prompt builder over a conversation-history reader.
func NewBuilder(history HistoryReader) *Builder {
	return &Builder{history: history}
}

// SystemPrompt returns the persona for a trigger: conversational for chat,
// task execution for cron and card.
func (b *Builder) SystemPrompt(trigger registry.Trigger) string {
	if trigger == registry.TriggerChat {
		return chatPersona
	}
	return taskPersona
}

// header renders the trigger context block prepended to every prompt, so
// the subprocess can address its own callback calls. Empty correlation
// fields are omitted.
func header(tc Context) string {
	var sb strings.Builder
	sb.WriteString("[Trigger context]\n")
	sb.WriteString(fmt.Sprintf("Agent ID: %s\n", tc.AgentID))
	sb.WriteString(fmt.Sprintf("Trigger: %s\n", tc.Trigger))
	if tc.ConversationID != "" {
		sb.WriteString(fmt.Sprintf("Conversation ID: %s\n", tc.ConversationID))
	}
	if tc.CronJobID != "" {
		sb.WriteString(fmt.Sprintf("Cron job ID: %s\n", tc.CronJobID))
	}
	if tc.CardID != "" {
		sb.WriteString(fmt.Sprintf("Card ID: %s\n", tc.CardID))
	}
	return sb.String()
}

// BuildChat assembles the chat prompt: trigger context header, prior
// conversation rendered as speaker-labeled lines, then the current
// utterance. History is ordered by creation time ascending with ties
// broken by insertion sequence. Non-final progress updates posted by the
// agent are excluded so transient status text is not re-fed as a real
// exchange.
func (b *Builder) BuildChat(ctx context.Context, tc Context, utterance string) (string, error) {
	msgs, err := b.history.History(ctx, tc.ConversationID)
	if err != nil {
		return "", fmt.Errorf("failed to read conversation history: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(header(tc))

	var lines int
	for _, m := range msgs {
		if m.AgentChatUpdate && !m.IsFinal {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(speakerLabel(m.Direction))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		lines++
	}
	if lines > 0 {
		sb.WriteString("\n")
	}

	sb.WriteString("\nUser: ")
	sb.WriteString(utterance)
	return sb.String(), nil
}

// BuildTask assembles the prompt for cron and card runs.
func (b *Builder) BuildTask(tc Context, instructions string) string {
	return header(tc) + "\n" + instructions
}

// speakerLabel maps the message direction to a speaker label, following
// the inverted convention: outbound is the human user, inbound the agent.
func speakerLabel(d message.Direction) string {
	if d == message.DirectionOutbound {
		return "User"
	}
	return "Agent"
}

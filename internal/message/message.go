// Package message defines the conversation message model and the store
// collaborator the orchestrator reads and writes through.
package message

import (
	"context"
	"time"
)

// Direction indicates who produced a message. The convention is inverted
// relative to typical chat terminology and must be preserved: "outbound"
// is a message from the human user to the agent, "inbound" is a message
// from the agent to the user.
type Direction string

const (
	// DirectionOutbound is a message from the human user to the agent.
	DirectionOutbound Direction = "outbound"
	// DirectionInbound is a message from the agent to the user.
	DirectionInbound Direction = "inbound"
)

// Type classifies message content.
type Type string

const (
	TypeText Type = "text"
)

// Message is a single conversation entry. Messages are append-only: once
// stored they are never mutated.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Direction      Direction `json:"direction"`
	Type           Type      `json:"type"`
	Content        string    `json:"content"`
	// AgentChatUpdate marks a message the agent inserted via its callback
	// API, as opposed to one persisted directly by the orchestrator.
	AgentChatUpdate bool `json:"agent_chat_update"`
	// IsFinal marks a callback message as the agent's final answer for a
	// run. Non-final callback messages are transient progress updates.
	IsFinal bool `json:"is_final"`
	// Seq is a store-assigned monotonic insertion sequence. It breaks
	// creation-timestamp ties when ordering history.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Predicate filters messages in store queries. A nil predicate matches all.
type Predicate func(*Message) bool

// CallbackOriginated matches messages the agent posted via its callback API.
func CallbackOriginated(m *Message) bool {
	return m.AgentChatUpdate
}

// Store is the message persistence collaborator. Append assigns ID, Seq
// and CreatedAt when they are zero.
type Store interface {
	Append(ctx context.Context, msg *Message) error
	SetConversationRecency(ctx context.Context, conversationID string, ts time.Time) error
	// QuerySince returns messages of a conversation created at or after
	// since, matching the predicate, ordered by (CreatedAt, Seq) ascending.
	QuerySince(ctx context.Context, conversationID string, since time.Time, pred Predicate) ([]*Message, error)
	// History returns all messages of a conversation ordered by
	// (CreatedAt, Seq) ascending.
	History(ctx context.Context, conversationID string) ([]*Message, error)
	Close() error
}

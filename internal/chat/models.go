// Package chat implements the intent router and chat orchestrator: it
// classifies user messages, routes them to agents or workflows, and persists
// the conversation.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Sender roles for chat messages.
const (
	SenderUser   = "user"
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// Conversation is one chat thread owned by a user.
type Conversation struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Title         string    `json:"title" db:"title"`
	AssignedAgent string    `json:"assigned_agent,omitempty" db:"assigned_agent"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// ChatMessage is one persisted message within a conversation.
type ChatMessage struct {
	ID             string         `json:"id" db:"id"`
	ConversationID string         `json:"conversation_id" db:"conversation_id"`
	Sender         string         `json:"sender" db:"sender"`
	AgentCategory  string         `json:"agent_category,omitempty" db:"agent_category"`
	Text           string         `json:"text" db:"text"`
	ThreadID       string         `json:"thread_id,omitempty" db:"thread_id"`
	ParentID       string         `json:"parent_id,omitempty" db:"parent_id"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// ConversationStats summarizes a conversation.
type ConversationStats struct {
	MessageCount  int        `json:"message_count"`
	UserMessages  int        `json:"user_messages"`
	AgentMessages int        `json:"agent_messages"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// HandoffContext records an agent-to-agent handoff within a conversation.
type HandoffContext struct {
	Timestamp  time.Time `json:"timestamp"`
	FromAgent  string    `json:"from_agent"`
	ToAgent    string    `json:"to_agent"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	Entities   []string  `json:"entities,omitempty"`
	Summary    []string  `json:"summary,omitempty"`
}

// NewConversation creates a conversation record.
func NewConversation(userID, title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewChatMessage creates a message record.
func NewChatMessage(conversationID, sender, text string) *ChatMessage {
	return &ChatMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Sender:         sender,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
}

// isUUID reports whether s parses as a UUID.
func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

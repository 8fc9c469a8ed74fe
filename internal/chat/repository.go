package chat

import (
	"context"
)

// Repository defines the chat storage operations.
type Repository interface {
	// Conversation operations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsByUser(ctx context.Context, userID string) ([]*Conversation, error)
	UpdateAssignedAgent(ctx context.Context, id, agentCategory string) error
	GetConversationStats(ctx context.Context, id string) (*ConversationStats, error)

	// Message operations. ListMessages selects strictly by conversation id
	// equality, ordered by creation time.
	CreateMessage(ctx context.Context, msg *ChatMessage) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*ChatMessage, error)

	Close() error
}

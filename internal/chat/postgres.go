package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/database"
)

// PostgresRepository provides PostgreSQL-based chat storage on the shared
// connection pool.
type PostgresRepository struct {
	db *database.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates the repository and ensures the schema.
func NewPostgresRepository(ctx context.Context, db *database.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize chat schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		assigned_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		agent_category TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON chat_messages(conversation_id, created_at);
	`
	_, err := r.db.Exec(ctx, schema)
	return err
}

// CreateConversation inserts a conversation record.
func (r *PostgresRepository) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, assigned_agent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, conv.UserID, conv.Title, conv.AssignedAgent, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation fetches a conversation by id.
func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, title, assigned_agent, created_at, updated_at
		FROM conversations WHERE id = $1`, id)

	var conv Conversation
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.AssignedAgent,
		&conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversationsByUser lists a user's conversations, most recent first.
func (r *PostgresRepository) ListConversationsByUser(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, title, assigned_agent, created_at, updated_at
		FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.AssignedAgent,
			&conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// UpdateAssignedAgent records the agent category currently serving the
// conversation.
func (r *PostgresRepository) UpdateAssignedAgent(ctx context.Context, id, agentCategory string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations SET assigned_agent = $1, updated_at = $2 WHERE id = $3`,
		agentCategory, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update assigned agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("conversation", id)
	}
	return nil
}

// GetConversationStats summarizes message counts for a conversation.
func (r *PostgresRepository) GetConversationStats(ctx context.Context, id string) (*ConversationStats, error) {
	row := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN sender = 'user' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sender = 'agent' THEN 1 ELSE 0 END), 0),
			MAX(created_at)
		FROM chat_messages WHERE conversation_id = $1`, id)

	stats := &ConversationStats{}
	var last *time.Time
	if err := row.Scan(&stats.MessageCount, &stats.UserMessages, &stats.AgentMessages, &last); err != nil {
		return nil, fmt.Errorf("failed to get conversation stats: %w", err)
	}
	stats.LastMessageAt = last
	return stats, nil
}

// CreateMessage inserts a message and bumps the conversation's updated_at
// in one transaction, so a conversation never advances without its message.
func (r *PostgresRepository) CreateMessage(ctx context.Context, msg *ChatMessage) error {
	metadata := []byte("{}")
	if msg.Metadata != nil {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode message metadata: %w", err)
		}
		metadata = data
	}
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO chat_messages (id, conversation_id, sender, agent_category, text, thread_id, parent_id, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			msg.ID, msg.ConversationID, msg.Sender, msg.AgentCategory, msg.Text,
			msg.ThreadID, msg.ParentID, metadata, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET updated_at = $1 WHERE id = $2`, msg.CreatedAt, msg.ConversationID); err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		return nil
	})
}

// ListMessages returns up to limit messages for exactly this conversation
// id, oldest first.
func (r *PostgresRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, conversation_id, sender, agent_category, text, thread_id, parent_id, metadata, created_at
		FROM chat_messages WHERE conversation_id = $1
		ORDER BY created_at ASC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var metadata []byte
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.AgentCategory,
			&msg.Text, &msg.ThreadID, &msg.ParentID, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(metadata) > 0 && string(metadata) != "{}" {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode message metadata: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// Close is a no-op; the shared pool is owned by the caller.
func (r *PostgresRepository) Close() error { return nil }

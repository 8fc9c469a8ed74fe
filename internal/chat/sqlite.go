package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
)

// SQLiteRepository provides SQLite-based chat storage.
type SQLiteRepository struct {
	db *sqlx.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the chat database at dbPath.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dbPath == "" {
		return nil, apperr.Validation("sqlite path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		assigned_agent TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		agent_category TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON chat_messages(conversation_id, created_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

// CreateConversation inserts a conversation record.
func (r *SQLiteRepository) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, assigned_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.AssignedAgent, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation fetches a conversation by id.
func (r *SQLiteRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := r.db.GetContext(ctx, &conv, `
		SELECT id, user_id, title, assigned_agent, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversationsByUser lists a user's conversations, most recent first.
func (r *SQLiteRepository) ListConversationsByUser(ctx context.Context, userID string) ([]*Conversation, error) {
	var convs []*Conversation
	err := r.db.SelectContext(ctx, &convs, `
		SELECT id, user_id, title, assigned_agent, created_at, updated_at
		FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// UpdateAssignedAgent records the agent category currently serving the
// conversation.
func (r *SQLiteRepository) UpdateAssignedAgent(ctx context.Context, id, agentCategory string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET assigned_agent = ?, updated_at = ? WHERE id = ?`,
		agentCategory, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update assigned agent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.NotFound("conversation", id)
	}
	return nil
}

// GetConversationStats summarizes message counts for a conversation.
func (r *SQLiteRepository) GetConversationStats(ctx context.Context, id string) (*ConversationStats, error) {
	var row struct {
		Total         int          `db:"total"`
		UserMessages  int          `db:"user_messages"`
		AgentMessages int          `db:"agent_messages"`
		LastMessageAt sql.NullTime `db:"last_message_at"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN sender = 'user' THEN 1 ELSE 0 END), 0) AS user_messages,
			COALESCE(SUM(CASE WHEN sender = 'agent' THEN 1 ELSE 0 END), 0) AS agent_messages,
			MAX(created_at) AS last_message_at
		FROM chat_messages WHERE conversation_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation stats: %w", err)
	}
	stats := &ConversationStats{
		MessageCount:  row.Total,
		UserMessages:  row.UserMessages,
		AgentMessages: row.AgentMessages,
	}
	if row.LastMessageAt.Valid {
		ts := row.LastMessageAt.Time
		stats.LastMessageAt = &ts
	}
	return stats, nil
}

// CreateMessage inserts a message and bumps the conversation's updated_at.
func (r *SQLiteRepository) CreateMessage(ctx context.Context, msg *ChatMessage) error {
	metadata := "{}"
	if msg.Metadata != nil {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode message metadata: %w", err)
		}
		metadata = string(data)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, conversation_id, sender, agent_category, text, thread_id, parent_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Sender, msg.AgentCategory, msg.Text,
		msg.ThreadID, msg.ParentID, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages for exactly this conversation
// id, oldest first.
func (r *SQLiteRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, conversation_id, sender, agent_category, text, thread_id, parent_id, metadata, created_at
		FROM chat_messages WHERE conversation_id = ?
		ORDER BY created_at ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var metadata string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.AgentCategory,
			&msg.Text, &msg.ThreadID, &msg.ParentID, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode message metadata: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// Close releases the database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

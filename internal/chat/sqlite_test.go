package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
)

func newTestSQLiteRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteConversationCRUD(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ctx := context.Background()

	conv := NewConversation("u1", "Pricing questions")
	if err := repo.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := repo.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.UserID != "u1" || got.Title != "Pricing questions" {
		t.Errorf("conversation = %+v", got)
	}

	_, err = repo.GetConversation(ctx, NewConversation("x", "x").ID)
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindNotFound {
		t.Errorf("unknown conversation error = %v", err)
	}

	if err := repo.UpdateAssignedAgent(ctx, conv.ID, "market"); err != nil {
		t.Fatalf("UpdateAssignedAgent failed: %v", err)
	}
	got, _ = repo.GetConversation(ctx, conv.ID)
	if got.AssignedAgent != "market" {
		t.Errorf("assigned agent = %q", got.AssignedAgent)
	}
	if !got.UpdatedAt.After(conv.UpdatedAt) {
		t.Errorf("updated_at not bumped: %v vs %v", got.UpdatedAt, conv.UpdatedAt)
	}

	if err := repo.UpdateAssignedAgent(ctx, "missing", "market"); err == nil {
		t.Error("expected not-found for missing conversation")
	}
}

func TestSQLiteListConversationsMostRecentFirst(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, title := range []string{"oldest", "middle", "newest"} {
		conv := NewConversation("u1", title)
		conv.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		conv.UpdatedAt = conv.CreatedAt
		if err := repo.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
	}
	other := NewConversation("u2", "foreign")
	_ = repo.CreateConversation(ctx, other)

	convs, err := repo.ListConversationsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListConversationsByUser failed: %v", err)
	}
	if len(convs) != 3 {
		t.Fatalf("got %d conversations, want 3", len(convs))
	}
	if convs[0].Title != "newest" || convs[2].Title != "oldest" {
		t.Errorf("order = %s, %s, %s", convs[0].Title, convs[1].Title, convs[2].Title)
	}
}

func TestSQLiteMessagesIsolatedByConversation(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ctx := context.Background()

	a := NewConversation("u1", "thread a")
	b := NewConversation("u1", "thread b")
	_ = repo.CreateConversation(ctx, a)
	_ = repo.CreateConversation(ctx, b)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		msg := NewChatMessage(a.ID, SenderUser, "a message")
		msg.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := repo.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}
	foreign := NewChatMessage(b.ID, SenderUser, "b message")
	_ = repo.CreateMessage(ctx, foreign)

	msgs, err := repo.ListMessages(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for _, msg := range msgs {
		if msg.ConversationID != a.ID {
			t.Errorf("foreign message leaked: %+v", msg)
		}
	}

	// Oldest first, and the limit truncates from the front.
	limited, err := repo.ListMessages(ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("ListMessages with limit failed: %v", err)
	}
	if len(limited) != 2 || limited[0].CreatedAt.After(limited[1].CreatedAt) {
		t.Errorf("limited messages = %+v", limited)
	}
}

func TestSQLiteMessageMetadataRoundTrip(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ctx := context.Background()

	conv := NewConversation("u1", "meta")
	_ = repo.CreateConversation(ctx, conv)

	msg := NewChatMessage(conv.ID, SenderAgent, "done")
	msg.AgentCategory = "market"
	msg.ParentID = "parent-1"
	msg.Metadata = map[string]any{"intent": "market_data", "handoff": true}
	if err := repo.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	msgs, err := repo.ListMessages(ctx, conv.ID, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListMessages = (%d, %v)", len(msgs), err)
	}
	got := msgs[0]
	if got.AgentCategory != "market" || got.ParentID != "parent-1" {
		t.Errorf("message = %+v", got)
	}
	if got.Metadata["intent"] != "market_data" || got.Metadata["handoff"] != true {
		t.Errorf("metadata = %v", got.Metadata)
	}

	// A message without metadata stays metadata-free.
	bare := NewChatMessage(conv.ID, SenderUser, "hi")
	_ = repo.CreateMessage(ctx, bare)
	msgs, _ = repo.ListMessages(ctx, conv.ID, 0)
	if msgs[len(msgs)-1].Metadata != nil {
		t.Errorf("bare metadata = %v", msgs[len(msgs)-1].Metadata)
	}
}

func TestSQLiteMessageBumpsConversation(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ctx := context.Background()

	conv := NewConversation("u1", "bump")
	conv.CreatedAt = time.Now().UTC().Add(-time.Hour)
	conv.UpdatedAt = conv.CreatedAt
	_ = repo.CreateConversation(ctx, conv)

	msg := NewChatMessage(conv.ID, SenderUser, "ping")
	if err := repo.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	got, _ := repo.GetConversation(ctx, conv.ID)
	if !got.UpdatedAt.After(conv.UpdatedAt) {
		t.Errorf("updated_at not bumped: %v", got.UpdatedAt)
	}
}

func TestSQLiteConversationStats(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ctx := context.Background()

	conv := NewConversation("u1", "stats")
	_ = repo.CreateConversation(ctx, conv)

	empty, err := repo.GetConversationStats(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversationStats failed: %v", err)
	}
	if empty.MessageCount != 0 || empty.LastMessageAt != nil {
		t.Errorf("empty stats = %+v", empty)
	}

	_ = repo.CreateMessage(ctx, NewChatMessage(conv.ID, SenderUser, "q1"))
	_ = repo.CreateMessage(ctx, NewChatMessage(conv.ID, SenderUser, "q2"))
	_ = repo.CreateMessage(ctx, NewChatMessage(conv.ID, SenderAgent, "a1"))

	stats, err := repo.GetConversationStats(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversationStats failed: %v", err)
	}
	if stats.MessageCount != 3 || stats.UserMessages != 2 || stats.AgentMessages != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastMessageAt == nil {
		t.Error("last_message_at missing")
	}
}

func TestSQLiteRequiresPath(t *testing.T) {
	if _, err := NewSQLiteRepository(""); err == nil {
		t.Error("expected error for empty path")
	}
}

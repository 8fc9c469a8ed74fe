package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
)

// Handlers exposes the chat REST API.
type Handlers struct {
	orchestrator *Orchestrator
	repo         Repository
	logger       *logger.Logger
}

// NewHandlers creates the chat HTTP handlers.
func NewHandlers(orchestrator *Orchestrator, repo Repository, log *logger.Logger) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		repo:         repo,
		logger:       log.WithFields(zap.String("component", "chat-handlers")),
	}
}

// RegisterRoutes installs the chat API under /api/v1.
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	api.GET("/chat", h.describe)
	api.POST("/chat/conversations", h.createConversation)
	api.GET("/chat/conversations", h.listConversations)
	api.GET("/chat/conversations/:id", h.getConversation)
	api.GET("/chat/conversations/:id/messages", h.listMessages)
	api.POST("/chat/conversations/:id/messages", h.postMessage)
}

func (h *Handlers) describe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "sellerdesk-chat",
		"description": "Multi-agent chat for marketplace seller operations",
		"endpoints": []string{
			"POST /api/v1/chat/conversations",
			"GET /api/v1/chat/conversations",
			"GET /api/v1/chat/conversations/:id",
			"GET /api/v1/chat/conversations/:id/messages",
			"POST /api/v1/chat/conversations/:id/messages",
		},
	})
}

// userID extracts the caller identity. Until authentication lands at the
// edge, the X-User-ID header (default "default") identifies the user.
func userID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return "default"
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (h *Handlers) createConversation(c *gin.Context) {
	var body createConversationRequest
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	title := body.Title
	if title == "" {
		title = "New conversation"
	}

	conv := NewConversation(userID(c), title)
	if err := h.repo.CreateConversation(c.Request.Context(), conv); err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "failed to create conversation"})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handlers) listConversations(c *gin.Context) {
	convs, err := h.repo.ListConversationsByUser(c.Request.Context(), userID(c))
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "failed to list conversations"})
		return
	}
	if convs == nil {
		convs = []*Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handlers) getConversation(c *gin.Context) {
	id := c.Param("id")
	conv, err := h.repo.GetConversation(c.Request.Context(), id)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status != http.StatusNotFound {
			h.logger.Error("failed to get conversation", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}
	stats, err := h.repo.GetConversationStats(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("failed to get conversation stats", zap.Error(err))
		stats = &ConversationStats{}
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "stats": stats})
}

func (h *Handlers) listMessages(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.repo.GetConversation(c.Request.Context(), id); err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "conversation not found"})
		return
	}
	messages, err := h.repo.ListMessages(c.Request.Context(), id, 0)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "failed to list messages"})
		return
	}
	if messages == nil {
		messages = []*ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type postMessageRequest struct {
	Text      string `json:"text" binding:"required"`
	Sender    string `json:"sender"`
	AgentType string `json:"agent_type"`
	ThreadID  string `json:"thread_id"`
	ParentID  string `json:"parent_id"`
}

// postMessage persists the user message synchronously and routes it through
// the intent router in the background. The persisted user-message record is
// returned immediately.
func (h *Handlers) postMessage(c *gin.Context) {
	var body postMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	sender := body.Sender
	if sender == "" {
		sender = SenderUser
	}

	conv, err := h.orchestrator.ResolveConversation(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "conversation not found"})
		return
	}

	msg := NewChatMessage(conv.ID, sender, body.Text)
	msg.AgentCategory = body.AgentType
	msg.ThreadID = body.ThreadID
	msg.ParentID = body.ParentID
	if err := h.repo.CreateMessage(c.Request.Context(), msg); err != nil {
		h.logger.Error("failed to persist message", zap.Error(err))
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "failed to persist message"})
		return
	}

	if sender == SenderUser {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := h.orchestrator.Route(ctx, conv, msg); err != nil {
				h.logger.Error("failed to route message",
					zap.String("conversation_id", conv.ID),
					zap.Error(err))
			}
		}()
	}
	c.JSON(http.StatusCreated, msg)
}

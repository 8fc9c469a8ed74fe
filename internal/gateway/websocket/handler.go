package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced at the edge.
		return true
	},
}

// Handler upgrades HTTP requests to websocket connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a websocket handler bound to the hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, logger: log.WithFields(zap.String("component", "ws_handler"))}
}

// RegisterRoutes installs the websocket endpoint.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.serve)
}

func (h *Handler) serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, h.logger)
	h.hub.Register(client)

	// Query-string subscriptions let clients skip the control frame.
	if conversationID := c.Query("conversation_id"); conversationID != "" {
		h.hub.SubscribeConversation(client, conversationID)
	}
	if userID := c.Query("user_id"); userID != "" {
		h.hub.SubscribeUser(client, userID)
	}
	if workflowID := c.Query("workflow_id"); workflowID != "" {
		h.hub.SubscribeWorkflow(client, workflowID)
	}

	client.Start()
}

package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client is one websocket connection attached to the hub.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// Subscription membership, guarded by the hub's mutex.
	conversations map[string]bool
	users         map[string]bool
	workflows     map[string]bool

	logger *logger.Logger
}

// clientRequest is an inbound control frame from the client.
type clientRequest struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	WorkflowID     string `json:"workflow_id,omitempty"`
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		ID:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		conversations: make(map[string]bool),
		users:         make(map[string]bool),
		workflows:     make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// Start launches the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump consumes control frames until the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Unexpected close", zap.Error(err))
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError("invalid request payload")
			continue
		}
		c.handleRequest(req)
	}
}

func (c *Client) handleRequest(req clientRequest) {
	switch req.Action {
	case "subscribe_conversation":
		if req.ConversationID == "" {
			c.sendError("conversation_id is required")
			return
		}
		c.hub.SubscribeConversation(c, req.ConversationID)
	case "subscribe_user":
		if req.UserID == "" {
			c.sendError("user_id is required")
			return
		}
		c.hub.SubscribeUser(c, req.UserID)
	case "subscribe_workflow":
		if req.WorkflowID == "" {
			c.sendError("workflow_id is required")
			return
		}
		c.hub.SubscribeWorkflow(c, req.WorkflowID)
	case "subscribe_all":
		c.hub.SubscribeFirehose(c)
	case "ping":
		c.enqueue(NewEvent(EventSystemAlert, map[string]any{"pong": true}))
	default:
		c.sendError("unknown action: " + req.Action)
	}
}

func (c *Client) sendError(msg string) {
	c.enqueue(NewEvent(EventError, map[string]any{"error": msg}))
}

func (c *Client) enqueue(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump flushes the send buffer and keeps the connection alive with
// pings. Closing the send channel terminates it.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

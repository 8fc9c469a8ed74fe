package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
)

// Hub manages all realtime client connections and their subscriptions.
// Clients subscribe to a conversation id, a user id, a workflow id, or the
// global firehose. Delivery is best-effort; clients with a full send buffer
// are skipped and dead connections are reaped lazily by their write pumps.
type Hub struct {
	mu sync.RWMutex

	clients map[*Client]bool

	// Subscription indexes
	conversationSubs map[string]map[*Client]bool
	userSubs         map[string]map[*Client]bool
	workflowSubs     map[string]map[*Client]bool
	firehose         map[*Client]bool

	register   chan *Client
	unregister chan *Client

	latency latencyRing
	logger  *logger.Logger
}

// NewHub creates a realtime hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		conversationSubs: make(map[string]map[*Client]bool),
		userSubs:         make(map[string]map[*Client]bool),
		workflowSubs:     make(map[string]map[*Client]bool),
		firehose:         make(map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Realtime hub started")
	defer h.logger.Info("Realtime hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.conversationSubs = make(map[string]map[*Client]bool)
	h.userSubs = make(map[string]map[*Client]bool)
	h.workflowSubs = make(map[string]map[*Client]bool)
	h.firehose = make(map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	delete(h.firehose, client)

	for id := range client.conversations {
		h.dropFromIndex(h.conversationSubs, id, client)
	}
	for id := range client.users {
		h.dropFromIndex(h.userSubs, id, client)
	}
	for id := range client.workflows {
		h.dropFromIndex(h.workflowSubs, id, client)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) dropFromIndex(index map[string]map[*Client]bool, id string, client *Client) {
	if clients, ok := index[id]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(index, id)
		}
	}
}

// SubscribeConversation subscribes a client to a conversation's events.
func (h *Hub) SubscribeConversation(client *Client, conversationID string) {
	h.subscribe(h.conversationSubs, conversationID, client, client.conversations)
}

// SubscribeUser subscribes a client to a user's events.
func (h *Hub) SubscribeUser(client *Client, userID string) {
	h.subscribe(h.userSubs, userID, client, client.users)
}

// SubscribeWorkflow subscribes a client to a workflow's events.
func (h *Hub) SubscribeWorkflow(client *Client, workflowID string) {
	h.subscribe(h.workflowSubs, workflowID, client, client.workflows)
}

// SubscribeFirehose subscribes a client to every event.
func (h *Hub) SubscribeFirehose(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.firehose[client] = true
}

func (h *Hub) subscribe(index map[string]map[*Client]bool, id string, client *Client, own map[string]bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := index[id]; !ok {
		index[id] = make(map[*Client]bool)
	}
	index[id][client] = true
	own[id] = true
}

// Broadcast delivers the event to every matching subscriber and returns the
// recipient count.
func (h *Hub) Broadcast(event Event) int {
	started := time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	recipients := make(map[*Client]bool)
	for client := range h.firehose {
		recipients[client] = true
	}
	if event.ConversationID != "" {
		for client := range h.conversationSubs[event.ConversationID] {
			recipients[client] = true
		}
	}
	if event.UserID != "" {
		for client := range h.userSubs[event.UserID] {
			recipients[client] = true
		}
	}
	if event.WorkflowID != "" {
		for client := range h.workflowSubs[event.WorkflowID] {
			recipients[client] = true
		}
	}
	h.mu.RUnlock()

	count := 0
	for client := range recipients {
		select {
		case client.send <- data:
			count++
		default:
			// Buffer full; the write pump reaps the client.
		}
	}

	h.latency.record(float64(time.Since(started).Microseconds()) / 1000.0)
	return count
}

// SendToConversation delivers an event to a conversation's subscribers.
func (h *Hub) SendToConversation(conversationID string, event Event) {
	event.ConversationID = conversationID
	h.Broadcast(event)
}

// SendMessage pushes a chat message event.
func (h *Hub) SendMessage(event Event) {
	event.EventType = EventMessage
	h.Broadcast(event)
}

// SendTyping pushes a typing indicator for a conversation.
func (h *Hub) SendTyping(conversationID string, isTyping bool, agentType string) {
	event := NewEvent(EventTyping, map[string]any{
		"is_typing":  isTyping,
		"agent_type": agentType,
	})
	event.ConversationID = conversationID
	h.Broadcast(event)
}

// BroadcastWorkflowUpdate pushes a workflow progress snapshot.
func (h *Hub) BroadcastWorkflowUpdate(executionID, workflowType, status string, progress float64, participants []string, currentAgent, errMsg string) {
	payload := map[string]any{
		"execution_id": executionID,
		"type":         workflowType,
		"status":       status,
		"progress":     progress,
		"participants": participants,
	}
	if currentAgent != "" {
		payload["current_agent"] = currentAgent
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	event := NewEvent(EventWorkflowUpdate, payload)
	event.WorkflowID = executionID
	h.Broadcast(event)
}

// BroadcastAgentCoordination pushes a multi-agent coordination snapshot.
func (h *Hub) BroadcastAgentCoordination(coordinationID string, agents []string, task string, progress float64, phase string, agentStatuses map[string]string) {
	event := NewEvent(EventAgentCoordination, map[string]any{
		"coordination_id": coordinationID,
		"agents":          agents,
		"task":            task,
		"progress":        progress,
		"phase":           phase,
		"agent_statuses":  agentStatuses,
	})
	event.WorkflowID = coordinationID
	h.Broadcast(event)
}

// AverageLatencyMS returns the rolling mean send latency in milliseconds.
func (h *Hub) AverageLatencyMS() float64 {
	return h.latency.mean()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

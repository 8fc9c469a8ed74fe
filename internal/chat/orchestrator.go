package chat

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/comms"
	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
	"github.com/sellerdesk/sellerdesk/internal/gateway/websocket"
	"github.com/sellerdesk/sellerdesk/internal/pipeline"
	"github.com/sellerdesk/sellerdesk/internal/protocol"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

const (
	orchestratorID = "chat_orchestrator"

	// ConversationMain resolves to the caller's most recent conversation.
	ConversationMain = "main"

	historyLimit      = 50
	summaryWindow     = 3
	agentReplyTimeout = 30 * time.Second
)

const gracefulErrorReply = "I'm having trouble coordinating the agents right now; let me try a different approach. Could you rephrase or try again in a moment?"

// WorkflowLauncher runs pipelines in the background for workflow intents.
type WorkflowLauncher interface {
	Execute(ctx context.Context, pipelineID string, input map[string]any, executionID string) (bool, map[string]any, error)
	Pipeline(id string) (*pipeline.Pipeline, bool)
}

// Broadcaster pushes conversation events to realtime subscribers.
type Broadcaster interface {
	SendTyping(conversationID string, isTyping bool, agentType string)
	SendToConversation(conversationID string, event websocket.Event)
}

// Orchestrator routes chat messages to agents and workflows.
type Orchestrator struct {
	repo       Repository
	classifier *Classifier
	registry   *registry.Registry
	comms      *comms.Manager
	bus        *bus.Bus
	launcher   WorkflowLauncher // optional
	caster     Broadcaster      // optional
	logger     *logger.Logger
}

// New creates the chat orchestrator.
func New(repo Repository, reg *registry.Registry, cm *comms.Manager, b *bus.Bus, launcher WorkflowLauncher, caster Broadcaster, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		repo:       repo,
		classifier: NewClassifier(),
		registry:   reg,
		comms:      cm,
		bus:        b,
		launcher:   launcher,
		caster:     caster,
		logger:     log.WithFields(zap.String("component", "chat_orchestrator")),
	}
}

// ResolveConversation maps a caller-supplied conversation id to a record.
// "main" resolves to the user's most recent conversation, creating one if
// none exists. A non-UUID id creates a new conversation titled by the raw
// id.
func (o *Orchestrator) ResolveConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	switch {
	case conversationID == "" || conversationID == ConversationMain:
		convs, err := o.repo.ListConversationsByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(convs) > 0 {
			return convs[0], nil
		}
		conv := NewConversation(userID, "Main conversation")
		if err := o.repo.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		return conv, nil

	case isUUID(conversationID):
		return o.repo.GetConversation(ctx, conversationID)

	default:
		conv := NewConversation(userID, conversationID)
		if err := o.repo.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		o.logger.Info("Created conversation from raw id",
			zap.String("conversation_id", conv.ID),
			zap.String("title", conversationID))
		return conv, nil
	}
}

// HandleMessage persists the user message, routes it, and returns the reply
// record.
func (o *Orchestrator) HandleMessage(ctx context.Context, userID, conversationID, text string, msgContext map[string]any) (*ChatMessage, error) {
	conv, err := o.ResolveConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	userMsg := NewChatMessage(conv.ID, SenderUser, text)
	userMsg.Metadata = msgContext
	if err := o.repo.CreateMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	return o.Route(ctx, conv, userMsg)
}

// Route classifies an already-persisted user message and produces the reply:
// an acknowledgement for workflow intents, an agent response otherwise.
func (o *Orchestrator) Route(ctx context.Context, conv *Conversation, userMsg *ChatMessage) (*ChatMessage, error) {
	history := o.loadHistory(ctx, conv.ID)
	classification := o.classifier.Classify(userMsg.Text, history)

	o.logger.Debug("Message classified",
		zap.String("conversation_id", conv.ID),
		zap.String("intent", string(classification.Intent)),
		zap.Float64("confidence", classification.Confidence))

	if pipelineID, ok := matchWorkflow(userMsg.Text); ok && o.launcher != nil {
		return o.launchWorkflow(ctx, conv, userMsg, pipelineID, classification)
	}

	reply, err := o.routeToAgent(ctx, conv, userMsg, history, classification)
	if err != nil {
		o.logger.Error("Agent routing failed",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
		return o.gracefulReply(ctx, conv, classification)
	}
	return reply, nil
}

// loadHistory retrieves the conversation history with strict id equality.
// Foreign rows are logged as contamination and dropped.
func (o *Orchestrator) loadHistory(ctx context.Context, conversationID string) []*ChatMessage {
	messages, err := o.repo.ListMessages(ctx, conversationID, historyLimit)
	if err != nil {
		o.logger.Warn("Failed to load history",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return nil
	}

	clean := messages[:0]
	for _, msg := range messages {
		if msg.ConversationID != conversationID {
			o.logger.Error("Conversation contamination detected",
				zap.String("expected_conversation_id", conversationID),
				zap.String("actual_conversation_id", msg.ConversationID),
				zap.String("message_id", msg.ID))
			continue
		}
		clean = append(clean, msg)
	}
	return clean
}

// launchWorkflow sends the immediate acknowledgement and runs the pipeline
// in the background.
func (o *Orchestrator) launchWorkflow(ctx context.Context, conv *Conversation, userMsg *ChatMessage, pipelineID string, classification Classification) (*ChatMessage, error) {
	var participants []string
	if p, ok := o.launcher.Pipeline(pipelineID); ok {
		participants = p.Categories()
	}

	ack := NewChatMessage(conv.ID, SenderAgent, acknowledgementText(pipelineID, participants))
	ack.AgentCategory = string(registry.CategorySystem)
	ack.ParentID = userMsg.ID
	ack.Metadata = map[string]any{
		"intent":      string(classification.Intent),
		"confidence":  classification.Confidence,
		"workflow":    pipelineID,
		"acknowledge": true,
	}
	if err := o.repo.CreateMessage(ctx, ack); err != nil {
		return nil, err
	}
	o.broadcastMessage(conv.ID, ack)

	go o.runWorkflow(conv, userMsg, pipelineID)
	return ack, nil
}

// runWorkflow executes the pipeline and persists the final assistant
// message. It runs detached from the request context.
func (o *Orchestrator) runWorkflow(conv *Conversation, userMsg *ChatMessage, pipelineID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	input := map[string]any{
		"text":            userMsg.Text,
		"conversation_id": conv.ID,
		"user_id":         conv.UserID,
	}
	ok, result, err := o.launcher.Execute(ctx, pipelineID, input, "")

	var final *ChatMessage
	switch {
	case err != nil:
		o.logger.Error("Workflow execution error",
			zap.String("pipeline_id", pipelineID),
			zap.Error(err))
		final = NewChatMessage(conv.ID, SenderAgent, gracefulErrorReply)
		o.broadcastError(conv.ID, err.Error())
	case !ok:
		final = NewChatMessage(conv.ID, SenderAgent,
			"The "+strings.ReplaceAll(pipelineID, "_", " ")+" workflow could not finish; partial results are saved.")
	default:
		final = NewChatMessage(conv.ID, SenderAgent, summarizeResult(pipelineID, result))
	}
	final.AgentCategory = string(registry.CategorySystem)
	final.ParentID = userMsg.ID
	final.Metadata = map[string]any{"workflow": pipelineID, "workflow_completed": ok}

	if err := o.repo.CreateMessage(ctx, final); err != nil {
		o.logger.Error("Failed to persist workflow result message",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
		return
	}
	o.broadcastMessage(conv.ID, final)
}

// routeToAgent selects an agent for the intent and asks it for a response.
func (o *Orchestrator) routeToAgent(ctx context.Context, conv *Conversation, userMsg *ChatMessage, history []*ChatMessage, classification Classification) (*ChatMessage, error) {
	category := intentCategory[classification.Intent]
	agent := o.selectWithFallback(category)
	if agent == nil {
		return nil, apperr.Coordinationf("no agent available for category %s", category)
	}

	handoff := o.detectHandoff(conv, agent, history, classification)
	if handoff != nil || conv.AssignedAgent == "" {
		if err := o.repo.UpdateAssignedAgent(ctx, conv.ID, string(agent.Category)); err != nil {
			o.logger.Warn("Failed to record assigned agent", zap.Error(err))
		}
		conv.AssignedAgent = string(agent.Category)
	}

	if o.caster != nil {
		o.caster.SendTyping(conv.ID, true, string(agent.Category))
		defer o.caster.SendTyping(conv.ID, false, string(agent.Category))
	}

	// The LLM context is deliberately restricted to the current user
	// message; history informs classification only.
	queryContext := map[string]any{
		"message":         userMsg.Text,
		"conversation_id": conv.ID,
	}
	if handoff != nil {
		queryContext["handoff"] = handoff
	}

	content, err := o.askAgent(ctx, agent.ID, userMsg.Text, queryContext)
	if err != nil {
		return nil, err
	}

	reply := NewChatMessage(conv.ID, SenderAgent, content)
	reply.AgentCategory = string(agent.Category)
	reply.ParentID = userMsg.ID
	reply.Metadata = map[string]any{
		"intent":     string(classification.Intent),
		"confidence": classification.Confidence,
		"agent_id":   agent.ID,
		"handoff":    handoff != nil,
	}
	if err := o.repo.CreateMessage(ctx, reply); err != nil {
		return nil, err
	}
	o.broadcastMessage(conv.ID, reply)
	return reply, nil
}

// selectWithFallback picks the least-loaded active agent of the category,
// walking the compatibility matrix when none is available.
func (o *Orchestrator) selectWithFallback(category registry.Category) *registry.Agent {
	tried := append([]registry.Category{category}, categoryFallbacks[category]...)
	for _, cat := range tried {
		var candidates []*registry.Agent
		for _, agent := range o.registry.FindByCategory(cat) {
			if agent.Status == registry.StatusActive {
				candidates = append(candidates, agent)
			}
		}
		if selected := o.registry.SelectLeastLoaded(candidates); selected != nil {
			return selected
		}
	}
	return nil
}

// detectHandoff builds a handoff context when the target agent category
// differs from the conversation's assigned one.
func (o *Orchestrator) detectHandoff(conv *Conversation, agent *registry.Agent, history []*ChatMessage, classification Classification) *HandoffContext {
	if conv.AssignedAgent == "" || conv.AssignedAgent == string(agent.Category) {
		return nil
	}

	summary := make([]string, 0, summaryWindow)
	start := len(history) - summaryWindow
	if start < 0 {
		start = 0
	}
	for _, msg := range history[start:] {
		summary = append(summary, msg.Sender+": "+truncateText(msg.Text, 120))
	}

	o.logger.Info("Agent handoff",
		zap.String("conversation_id", conv.ID),
		zap.String("from", conv.AssignedAgent),
		zap.String("to", string(agent.Category)))
	return &HandoffContext{
		Timestamp:  time.Now().UTC(),
		FromAgent:  conv.AssignedAgent,
		ToAgent:    string(agent.Category),
		Reason:     "intent " + string(classification.Intent),
		Confidence: classification.Confidence,
		Summary:    summary,
	}
}

// askAgent sends a query through the communication manager and waits for
// the correlated response.
func (o *Orchestrator) askAgent(ctx context.Context, agentID, text string, queryContext map[string]any) (string, error) {
	query := protocol.NewQuery(orchestratorID, agentID, text, queryContext)

	respCh := make(chan *protocol.Message, 1)
	filter := bus.FilterFunc(func(ev *bus.Event) bool {
		return ev.Kind == bus.KindResponse && ev.CorrelationID == query.CorrelationID
	})
	sub, err := o.bus.Subscribe(filter, func(_ context.Context, ev *bus.Event) error {
		if msg, ok := protocol.MessageFromEvent(ev); ok {
			select {
			case respCh <- msg:
			default:
			}
		}
		return nil
	}, bus.WithSubName("chat_reply"))
	if err != nil {
		return "", err
	}
	defer o.bus.Unsubscribe(sub.ID())

	if !o.comms.Send(ctx, query) {
		return "", apperr.Coordinationf("agent %s unreachable", agentID)
	}

	timer := time.NewTimer(agentReplyTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		if resp.Status == "error" {
			return "", apperr.Coordinationf("agent %s failed: %s", agentID, strings.Join(resp.Errors, "; "))
		}
		if content, ok := resp.Result["content"].(string); ok && content != "" {
			return content, nil
		}
		return "", apperr.Coordinationf("agent %s returned no content", agentID)
	case <-timer.C:
		return "", apperr.Coordinationf("agent %s did not respond in time", agentID)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// gracefulReply persists the degraded assistant message after a
// coordination failure.
func (o *Orchestrator) gracefulReply(ctx context.Context, conv *Conversation, classification Classification) (*ChatMessage, error) {
	reply := NewChatMessage(conv.ID, SenderAgent, gracefulErrorReply)
	reply.AgentCategory = string(registry.CategorySystem)
	reply.Metadata = map[string]any{
		"intent":   string(classification.Intent),
		"degraded": true,
	}
	if err := o.repo.CreateMessage(ctx, reply); err != nil {
		return nil, err
	}
	o.broadcastError(conv.ID, "agent coordination failed")
	o.broadcastMessage(conv.ID, reply)
	return reply, nil
}

func (o *Orchestrator) broadcastMessage(conversationID string, msg *ChatMessage) {
	if o.caster == nil {
		return
	}
	event := websocket.NewEvent(websocket.EventMessage, map[string]any{
		"message_id":     msg.ID,
		"sender":         msg.Sender,
		"agent_category": msg.AgentCategory,
		"text":           msg.Text,
		"created_at":     msg.CreatedAt,
	})
	o.caster.SendToConversation(conversationID, event)
}

func (o *Orchestrator) broadcastError(conversationID, msg string) {
	if o.caster == nil {
		return
	}
	event := websocket.NewEvent(websocket.EventError, map[string]any{"error": msg})
	o.caster.SendToConversation(conversationID, event)
}

// summarizeResult renders a workflow's result data as a short reply.
func summarizeResult(pipelineID string, result map[string]any) string {
	var sb strings.Builder
	sb.WriteString("The ")
	sb.WriteString(strings.ReplaceAll(pipelineID, "_", " "))
	sb.WriteString(" workflow finished.")
	if len(result) > 0 {
		sb.WriteString(" Key results: ")
		first := true
		for k := range result {
			if k == "text" || k == "conversation_id" || k == "user_id" {
				continue
			}
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(strings.ReplaceAll(k, "_", " "))
			first = false
		}
		sb.WriteString(".")
	}
	return sb.String()
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

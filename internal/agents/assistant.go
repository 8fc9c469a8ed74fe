package agents

import (
	"context"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/llm"
	"github.com/sellerdesk/sellerdesk/internal/protocol"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

const assistantSystemPrompt = "You are a helpful assistant for an e-commerce " +
	"seller operations platform. Answer briefly and practically."

// AssistantAgent is the general chat fallback when no specialist matches.
type AssistantAgent struct {
	base
	llm llm.Adapter
}

// NewAssistantAgent creates the assistant agent.
func NewAssistantAgent(id string, adapter llm.Adapter, log *logger.Logger) *AssistantAgent {
	if adapter == nil {
		adapter = llm.Stub{}
	}
	a := &AssistantAgent{
		base: newBase(id, registry.CategoryUtility, "General Assistant", log),
		llm:  adapter,
	}
	a.commands["general_chat"] = a.generalChat
	return a
}

// Record returns the registry record for this agent.
func (a *AssistantAgent) Record() *registry.Agent {
	return a.base.Record("assistant", "chat")
}

func (a *AssistantAgent) generalChat(ctx context.Context, params map[string]any) (map[string]any, error) {
	text := stringParam(params, "text")
	return a.complete(ctx, text)
}

// AnswerQuery answers any free-form question.
func (a *AssistantAgent) AnswerQuery(ctx context.Context, query string, _ map[string]any) (map[string]any, error) {
	return a.complete(ctx, query)
}

// ProcessMessage handles a full protocol message.
func (a *AssistantAgent) ProcessMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return a.processWith(ctx, a, msg)
}

func (a *AssistantAgent) complete(ctx context.Context, text string) (map[string]any, error) {
	resp, err := a.llm.Complete(ctx, llm.Request{
		System:   assistantSystemPrompt,
		Messages: []llm.Turn{{Role: llm.RoleUser, Content: text}},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": resp.Content}, nil
}

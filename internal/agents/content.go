package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/llm"
	"github.com/sellerdesk/sellerdesk/internal/protocol"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

const contentSystemPrompt = "You write concise, accurate marketplace listing copy. " +
	"Return only the requested content, no preamble."

// ContentAgent generates listing content through the LLM adapter.
type ContentAgent struct {
	base
	llm llm.Adapter
}

// NewContentAgent creates the content agent.
func NewContentAgent(id string, adapter llm.Adapter, log *logger.Logger) *ContentAgent {
	if adapter == nil {
		adapter = llm.Stub{}
	}
	a := &ContentAgent{
		base: newBase(id, registry.CategoryContent, "Content Agent", log),
		llm:  adapter,
	}
	a.commands["generate_content"] = a.generateContent
	return a
}

// Record returns the registry record for this agent.
func (a *ContentAgent) Record() *registry.Agent {
	return a.base.Record("content", "llm")
}

func (a *ContentAgent) generateContent(ctx context.Context, params map[string]any) (map[string]any, error) {
	input := stageInput(params)

	product := stringParam(input, "product")
	if product == "" {
		product = stringParam(params, "product")
	}
	brief, _ := input["content_brief"].(map[string]any)

	prompt := "Write a marketplace listing title and description"
	if product != "" {
		prompt += " for: " + product
	}
	if brief != nil {
		prompt += fmt.Sprintf(" (brief: %v)", brief)
	}

	resp, err := a.llm.Complete(ctx, llm.Request{
		System:   contentSystemPrompt,
		Messages: []llm.Turn{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Content generated", zap.Int("output_tokens", resp.OutputTokens))
	return map[string]any{
		"generated_content": resp.Content,
		"model":             resp.Model,
	}, nil
}

// AnswerQuery answers content questions through the LLM adapter.
func (a *ContentAgent) AnswerQuery(ctx context.Context, query string, _ map[string]any) (map[string]any, error) {
	resp, err := a.llm.Complete(ctx, llm.Request{
		System:   contentSystemPrompt,
		Messages: []llm.Turn{{Role: llm.RoleUser, Content: query}},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": resp.Content}, nil
}

// ProcessMessage handles a full protocol message.
func (a *ContentAgent) ProcessMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return a.processWith(ctx, a, msg)
}

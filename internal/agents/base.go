// Package agents implements the built-in agent categories: market,
// executive, content, logistics, and the general assistant. Each agent
// implements comms.Handler and registers its capabilities with the registry.
package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/protocol"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

// commandFunc executes one named command.
type commandFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// base carries what every agent shares: identity, registration record, and
// a command table keyed by command name.
type base struct {
	id       string
	category registry.Category
	name     string
	logger   *logger.Logger
	commands map[string]commandFunc
}

func newBase(id string, category registry.Category, name string, log *logger.Logger) base {
	return base{
		id:       id,
		category: category,
		name:     name,
		logger:   log.WithFields(zap.String("agent_id", id)),
		commands: make(map[string]commandFunc),
	}
}

// ID returns the agent id.
func (b *base) ID() string { return b.id }

// Record builds the registry record with one capability per command.
func (b *base) Record(tags ...string) *registry.Agent {
	caps := make([]registry.Capability, 0, len(b.commands))
	for name := range b.commands {
		caps = append(caps, registry.Capability{Name: name, Tags: tags})
	}
	return &registry.Agent{
		ID:           b.id,
		Category:     b.category,
		Name:         b.name,
		Capabilities: caps,
		Status:       registry.StatusActive,
	}
}

// ExecuteCommand looks the command up in the agent's table.
func (b *base) ExecuteCommand(ctx context.Context, command string, params map[string]any) (map[string]any, error) {
	fn, ok := b.commands[command]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "agent %s does not support command %q", b.id, command)
	}
	b.logger.Debug("Executing command", zap.String("command", command))
	return fn(ctx, params)
}

// executor is the slice of comms.Handler that processWith dispatches to.
type executor interface {
	ExecuteCommand(ctx context.Context, command string, params map[string]any) (map[string]any, error)
	AnswerQuery(ctx context.Context, query string, queryContext map[string]any) (map[string]any, error)
}

// processWith dispatches commands and queries to the concrete agent; other
// kinds get no reply.
func (b *base) processWith(ctx context.Context, handler executor, msg *protocol.Message) (*protocol.Message, error) {
	switch msg.Kind {
	case protocol.KindCommand:
		result, err := handler.ExecuteCommand(ctx, msg.Command, msg.Params)
		if err != nil {
			return msg.NewResponse(b.id, "error", nil, []string{err.Error()}), nil
		}
		return msg.NewResponse(b.id, "success", result, nil), nil
	case protocol.KindQuery:
		result, err := handler.AnswerQuery(ctx, msg.Query, msg.QueryContext)
		if err != nil {
			return msg.NewResponse(b.id, "error", nil, []string{err.Error()}), nil
		}
		return msg.NewResponse(b.id, "success", result, nil), nil
	default:
		return nil, nil
	}
}

// stageInput extracts the pipeline's rolling result data from command params.
func stageInput(params map[string]any) map[string]any {
	if input, ok := params["input"].(map[string]any); ok {
		return input
	}
	return map[string]any{}
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func requireString(params map[string]any, key string) (string, error) {
	v := stringParam(params, key)
	if v == "" {
		return "", apperr.Validation(fmt.Sprintf("parameter %q is required", key))
	}
	return v, nil
}

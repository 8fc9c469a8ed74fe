package comms

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/events"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
	"github.com/sellerdesk/sellerdesk/internal/protocol"
)

// dispatcherFor builds the per-agent bus handler. It selects the agent
// method by message kind; handler errors become error Responses and never
// propagate to the bus.
func (m *Manager) dispatcherFor(agentID string, handler Handler) bus.Handler {
	return func(ctx context.Context, ev *bus.Event) error {
		m.mu.Lock()
		m.stats.Dispatched++
		m.mu.Unlock()

		msg, ok := protocol.MessageFromEvent(ev)
		if !ok {
			return m.dispatchRaw(ctx, agentID, ev)
		}

		switch msg.Kind {
		case protocol.KindCommand:
			m.dispatchCommand(ctx, agentID, handler, msg)
		case protocol.KindQuery:
			m.dispatchQuery(ctx, agentID, handler, msg)
		case protocol.KindUpdate:
			m.logger.Debug("Update received",
				zap.String("agent_id", agentID),
				zap.String("sender", msg.Sender),
				zap.String("message_id", msg.ID))
		case protocol.KindAlert:
			m.acknowledgeAlert(ctx, agentID, msg)
		case protocol.KindResponse:
			// Responses flow back to whoever is waiting on the correlation id.
			m.logger.Debug("Response received",
				zap.String("agent_id", agentID),
				zap.String("correlation_id", msg.CorrelationID))
		}
		return nil
	}
}

// dispatchRaw handles bare bus events without a protocol message payload.
// The registry's health ping is the only such event agents must answer.
func (m *Manager) dispatchRaw(ctx context.Context, agentID string, ev *bus.Event) error {
	if ev.Kind == bus.KindCommand && ev.Name == events.Ping {
		pong := bus.NewEvent(bus.KindNotification, events.PingResponse, agentID, map[string]any{
			"agent_id": agentID,
		})
		pong.Target = ev.Source
		pong.CorrelationID = ev.CorrelationID
		return m.bus.Publish(ctx, pong)
	}
	m.logger.Debug("Unhandled raw event",
		zap.String("agent_id", agentID),
		zap.String("event_name", ev.Name))
	return nil
}

func (m *Manager) dispatchCommand(ctx context.Context, agentID string, handler Handler, msg *protocol.Message) {
	started := time.Now()
	result, err := handler.ExecuteCommand(ctx, msg.Command, msg.Params)
	m.reply(ctx, agentID, msg, result, err, time.Since(started))
}

func (m *Manager) dispatchQuery(ctx context.Context, agentID string, handler Handler, msg *protocol.Message) {
	started := time.Now()
	result, err := handler.AnswerQuery(ctx, msg.Query, msg.QueryContext)
	m.reply(ctx, agentID, msg, result, err, time.Since(started))
}

// reply wraps a handler result or error into a Response carrying the
// request's correlation id.
func (m *Manager) reply(ctx context.Context, agentID string, req *protocol.Message, result map[string]any, err error, elapsed time.Duration) {
	var resp *protocol.Message
	if err != nil {
		m.logger.Warn("Agent handler error",
			zap.String("agent_id", agentID),
			zap.String("command", req.Command),
			zap.Error(err))
		resp = req.NewResponse(agentID, "error", nil, []string{err.Error()})
	} else {
		resp = req.NewResponse(agentID, "success", result, nil)
	}
	resp.ExecutionMS = elapsed.Milliseconds()

	if pubErr := m.bus.Publish(ctx, resp.ToEvent()); pubErr != nil {
		m.logger.Warn("Failed to publish response",
			zap.String("agent_id", agentID), zap.Error(pubErr))
	}
}

// acknowledgeAlert emits an Update referencing the alert id.
func (m *Manager) acknowledgeAlert(ctx context.Context, agentID string, alert *protocol.Message) {
	ack := protocol.NewUpdate(agentID, map[string]any{
		"acknowledged_alert": alert.ID,
		"alert_type":         alert.AlertType,
	})
	ack.Receiver = alert.Sender
	ack.CorrelationID = alert.CorrelationID
	if err := m.bus.Publish(ctx, ack.ToEvent()); err != nil {
		m.logger.Warn("Failed to acknowledge alert",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

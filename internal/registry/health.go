package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/events"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
)

// RunHealthLoop drives the periodic health checks. It blocks until the
// context is cancelled or the registry is closed, so callers give it its
// own goroutine. It never propagates errors.
func (r *Registry) RunHealthLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	r.logger.Info("Health loop started",
		zap.Duration("interval", r.cfg.HealthInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.runHealthChecks(ctx)
		}
	}
}

// runHealthChecks applies the staleness rules to every registered agent.
func (r *Registry) runHealthChecks(ctx context.Context) {
	now := time.Now().UTC()

	r.mu.Lock()
	type check struct {
		id       string
		lastSeen *time.Time
	}
	pending := make([]check, 0, len(r.agents))
	for _, agent := range r.agents {
		switch agent.Status {
		case StatusInactive, StatusDisconnected, StatusError:
			continue
		}
		pending = append(pending, check{id: agent.ID, lastSeen: agent.LastSeen})
	}
	r.mu.Unlock()

	for _, c := range pending {
		switch {
		case c.lastSeen == nil:
			if err := r.UpdateStatus(c.id, StatusUnknown); err != nil {
				r.logger.Warn("Health check status update failed",
					zap.String("agent_id", c.id), zap.Error(err))
			}
		case now.Sub(*c.lastSeen) > disconnectedAfter:
			r.logger.Warn("Agent silent too long, marking disconnected",
				zap.String("agent_id", c.id),
				zap.Duration("silence", now.Sub(*c.lastSeen)))
			if err := r.UpdateStatus(c.id, StatusDisconnected); err != nil {
				r.logger.Warn("Health check status update failed",
					zap.String("agent_id", c.id), zap.Error(err))
			}
		case now.Sub(*c.lastSeen) > staleAfter:
			if !r.Ping(ctx, c.id) {
				r.logger.Warn("Agent missed ping, marking disconnected",
					zap.String("agent_id", c.id))
				if err := r.UpdateStatus(c.id, StatusDisconnected); err != nil {
					r.logger.Warn("Health check status update failed",
						zap.String("agent_id", c.id), zap.Error(err))
				}
			}
		}
	}
}

// Ping sends a ping command to the agent with a fresh correlation id and
// waits up to the configured timeout for a matching ping_response.
func (r *Registry) Ping(ctx context.Context, id string) bool {
	correlationID := uuid.New().String()
	reply := make(chan struct{}, 1)

	filter := bus.FilterFunc(func(ev *bus.Event) bool {
		if ev.CorrelationID != correlationID {
			return false
		}
		return ev.Name == events.PingResponse || ev.Kind == bus.KindResponse
	})
	sub, err := r.bus.Subscribe(filter, func(context.Context, *bus.Event) error {
		select {
		case reply <- struct{}{}:
		default:
		}
		return nil
	}, bus.WithSubName("registry_ping"))
	if err != nil {
		return false
	}
	defer r.bus.Unsubscribe(sub.ID())

	ping := bus.NewEvent(bus.KindCommand, events.Ping, "agent_registry", map[string]any{
		"agent_id": id,
	})
	ping.Target = id
	ping.CorrelationID = correlationID
	if err := r.bus.Publish(ctx, ping); err != nil {
		return false
	}

	timer := time.NewTimer(r.cfg.PingTimeout)
	defer timer.Stop()
	select {
	case <-reply:
		r.touch(id)
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// touch resets an agent's last-seen instant.
func (r *Registry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		now := time.Now().UTC()
		agent.LastSeen = &now
	}
}

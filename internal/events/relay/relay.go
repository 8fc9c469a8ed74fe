// Package relay mirrors bus events onto NATS subjects for external consumers.
//
// The relay is strictly one-way and best-effort: coordination correctness
// never depends on it. It is enabled only when a NATS URL is configured.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/config"
	"github.com/sellerdesk/sellerdesk/internal/common/logger"
	"github.com/sellerdesk/sellerdesk/internal/events/bus"
)

// Relay forwards every bus event to NATS under
// "<prefix>.<kind>.<event name>".
type Relay struct {
	conn   *nats.Conn
	prefix string
	sub    *bus.Subscription
	bus    *bus.Bus
	logger *logger.Logger
}

// New connects to NATS and attaches the relay to the bus firehose.
func New(b *bus.Bus, cfg config.NATSConfig, log *logger.Logger) (*Relay, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	r := &Relay{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		bus:    b,
		logger: log.WithFields(zap.String("component", "event_relay")),
	}
	if r.prefix == "" {
		r.prefix = "sellerdesk"
	}

	sub, err := b.Subscribe(bus.All(), r.forward,
		bus.WithSubName("nats_relay"),
		bus.WithOverflowPolicy(bus.OverflowDropOldest),
	)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.sub = sub

	r.logger.Info("Event relay connected", zap.String("url", cfg.URL))
	return r, nil
}

// forward publishes one bus event to NATS.
func (r *Relay) forward(_ context.Context, event *bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", r.prefix, event.Kind, event.Name)
	if err := r.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to relay event to %s: %w", subject, err)
	}
	return nil
}

// Close detaches from the bus and drains the NATS connection.
func (r *Relay) Close() {
	if r.sub != nil {
		r.bus.Unsubscribe(r.sub.ID())
	}
	if r.conn != nil {
		if err := r.conn.Drain(); err != nil {
			r.conn.Close()
		}
	}
	r.logger.Info("Event relay closed")
}

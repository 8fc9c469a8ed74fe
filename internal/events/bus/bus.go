package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerdesk/sellerdesk/internal/common/logger"
)

const (
	// DefaultQueueSize is the per-subscription queue depth.
	DefaultQueueSize = 1024
	// DefaultBlockTimeout bounds a blocking publish on a full queue.
	DefaultBlockTimeout = 5 * time.Second
)

// EventSubscriptionOverflow is the notification emitted when a subscription
// drops an event.
const EventSubscriptionOverflow = "subscription_overflow"

// Config holds bus tunables.
type Config struct {
	QueueSize    int
	BlockTimeout time.Duration
}

// Metrics is a point-in-time view of bus counters.
type Metrics struct {
	Published     int64               `json:"published"`
	Delivered     int64               `json:"delivered"`
	Dropped       int64               `json:"dropped"`
	HandlerErrors int64               `json:"handler_errors"`
	Subscriptions []SubscriptionStats `json:"subscriptions"`
}

// Bus is the in-process typed event bus. Publication is non-blocking relative
// to handlers: events are queued per subscription and dispatched by one
// goroutine per subscription, preserving per-source publish order and
// exactly-once delivery.
type Bus struct {
	cfg    Config
	logger *logger.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published     atomic.Int64
	delivered     atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
}

// New creates a bus. Zero-valued config fields fall back to defaults.
func New(cfg Config, log *logger.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "event_bus")),
		subs:   make(map[string]*Subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a handler for every event matching the filter.
func (b *Bus) Subscribe(filter Filter, handler Handler, opts ...SubOption) (*Subscription, error) {
	if filter == nil || handler == nil {
		return nil, fmt.Errorf("filter and handler are required")
	}

	sub := &Subscription{
		id:           uuid.New().String(),
		filter:       filter,
		handler:      handler,
		queue:        make(chan *Event, b.cfg.QueueSize),
		blockTimeout: b.cfg.BlockTimeout,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event bus is closed")
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(sub)

	b.logger.Debug("Subscription created",
		zap.String("subscription_id", sub.id),
		zap.String("name", sub.name))
	return sub, nil
}

// Unsubscribe detaches a subscription. It is idempotent; an in-flight handler
// may complete but no further handlers run on this subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if sub.unsubscribed.CompareAndSwap(false, true) {
		close(sub.stop)
	}
}

// Publish delivers the event to every matching live subscription. It fails
// only when the bus is shut down.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if sub.filter.Matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)

	for _, sub := range matched {
		b.enqueue(ctx, sub, event)
	}
	return nil
}

// enqueue places the event on one subscription queue, applying that
// subscription's overflow policy.
func (b *Bus) enqueue(ctx context.Context, sub *Subscription, event *Event) {
	select {
	case sub.queue <- event:
		return
	default:
	}

	switch sub.policyFor(event.Kind) {
	case OverflowBlock:
		timer := time.NewTimer(sub.blockTimeout)
		defer timer.Stop()
		select {
		case sub.queue <- event:
			return
		case <-timer.C:
			b.recordDrop(sub, event)
		case <-ctx.Done():
			b.recordDrop(sub, event)
		case <-sub.stop:
		}
	default: // drop-oldest
		for {
			select {
			case sub.queue <- event:
				return
			default:
			}
			select {
			case old := <-sub.queue:
				b.recordDrop(sub, old)
			default:
			}
		}
	}
}

// recordDrop counts a dropped event and emits the overflow notification.
func (b *Bus) recordDrop(sub *Subscription, event *Event) {
	sub.dropped.Add(1)
	b.dropped.Add(1)
	b.logger.Warn("Subscription queue overflow",
		zap.String("subscription_id", sub.id),
		zap.String("event_name", event.Name),
		zap.String("event_id", event.ID))

	// Overflow notifications about dropped overflow notifications would loop.
	if event.Name == EventSubscriptionOverflow {
		return
	}
	overflow := NewEvent(KindNotification, EventSubscriptionOverflow, "event_bus", map[string]any{
		"subscription_id": sub.id,
		"dropped_event":   event.Name,
		"dropped_id":      event.ID,
	})
	go func() {
		_ = b.Publish(b.ctx, overflow)
	}()
}

// dispatch is the per-subscription delivery loop.
func (b *Bus) dispatch(sub *Subscription) {
	defer b.wg.Done()
	defer close(sub.done)

	for {
		select {
		case <-sub.stop:
			return
		case <-b.ctx.Done():
			return
		case event := <-sub.queue:
			// Re-check stop so an unsubscribe observed between queue reads
			// never triggers another handler.
			select {
			case <-sub.stop:
				return
			default:
			}
			if err := sub.handler(b.ctx, event); err != nil {
				sub.handlerErrors.Add(1)
				b.handlerErrors.Add(1)
				b.logger.Error("Event handler error",
					zap.String("subscription_id", sub.id),
					zap.String("event_name", event.Name),
					zap.Error(err))
				continue
			}
			sub.delivered.Add(1)
			b.delivered.Add(1)
		}
	}
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	subs := make([]SubscriptionStats, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub.Stats())
	}
	b.mu.RUnlock()

	return Metrics{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Subscriptions: subs,
	}
}

// Close shuts the bus down and waits for dispatchers to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.unsubscribed.CompareAndSwap(false, true) {
			close(sub.stop)
		}
	}
	b.cancel()
	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

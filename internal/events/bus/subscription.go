package bus

import (
	"sync/atomic"
	"time"
)

// OverflowPolicy decides what happens when a subscription queue is full.
type OverflowPolicy int

const (
	// OverflowDefault applies the per-kind default: drop-oldest for
	// Notification/Error events, block-producer for Command/Query/Response.
	OverflowDefault OverflowPolicy = iota
	// OverflowDropOldest evicts the oldest queued event to make room.
	OverflowDropOldest
	// OverflowBlock blocks the publisher up to the configured timeout,
	// then drops the new event.
	OverflowBlock
)

// Subscription is a live binding of a filter to a handler with its own
// bounded queue and dispatcher goroutine.
type Subscription struct {
	id           string
	name         string
	filter       Filter
	handler      Handler
	queue        chan *Event
	policy       OverflowPolicy
	blockTimeout time.Duration

	// stop is closed on unsubscribe; the dispatcher exits without running
	// further handlers.
	stop chan struct{}
	done chan struct{}

	delivered     atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
	unsubscribed  atomic.Bool
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Name returns the optional subscription name used in logs and metrics.
func (s *Subscription) Name() string { return s.name }

// IsValid reports whether the subscription is still attached to the bus.
func (s *Subscription) IsValid() bool { return !s.unsubscribed.Load() }

// Stats returns delivery counters for this subscription.
func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{
		ID:            s.id,
		Name:          s.name,
		QueueLen:      len(s.queue),
		Delivered:     s.delivered.Load(),
		Dropped:       s.dropped.Load(),
		HandlerErrors: s.handlerErrors.Load(),
	}
}

// SubscriptionStats is a point-in-time view of one subscription's counters.
type SubscriptionStats struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	QueueLen      int    `json:"queue_len"`
	Delivered     int64  `json:"delivered"`
	Dropped       int64  `json:"dropped"`
	HandlerErrors int64  `json:"handler_errors"`
}

// SubOption customizes a subscription at creation time.
type SubOption func(*Subscription)

// WithQueueSize overrides the subscription queue depth.
func WithQueueSize(n int) SubOption {
	return func(s *Subscription) {
		if n > 0 {
			s.queue = make(chan *Event, n)
		}
	}
}

// WithOverflowPolicy overrides the per-kind default overflow policy.
func WithOverflowPolicy(p OverflowPolicy) SubOption {
	return func(s *Subscription) { s.policy = p }
}

// WithBlockTimeout sets how long a blocking publish waits on a full queue.
func WithBlockTimeout(d time.Duration) SubOption {
	return func(s *Subscription) {
		if d > 0 {
			s.blockTimeout = d
		}
	}
}

// WithSubName names the subscription for logs and metrics.
func WithSubName(name string) SubOption {
	return func(s *Subscription) { s.name = name }
}

// policyFor resolves the effective overflow policy for an event kind.
func (s *Subscription) policyFor(kind Kind) OverflowPolicy {
	if s.policy != OverflowDefault {
		return s.policy
	}
	switch kind {
	case KindCommand, KindQuery, KindResponse:
		return OverflowBlock
	default:
		return OverflowDropOldest
	}
}

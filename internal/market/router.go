// Package market routes the streaming price feed to bot workers and caches
// candle history for the indicator engine.
package market

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"autotrader/internal/core"
	"autotrader/pkg/telemetry"
)

// Subscription is one bot worker's bounded mailbox on the router. When the
// queue is full the oldest tick is dropped; the price stream is latest-wins
// so only freshness matters.
type Subscription struct {
	pair string
	ch   chan core.Ticker

	mu     sync.Mutex
	closed bool
}

// C is the receive side of the subscription queue.
func (s *Subscription) C() <-chan core.Ticker { return s.ch }

// Pair returns the subscribed pair.
func (s *Subscription) Pair() string { return s.pair }

// Router fans ticker updates out to per-bot queues and keeps an atomic
// latest-price table. Late ticks (ts not strictly increasing per pair) are
// dropped before dispatch.
type Router struct {
	logger   core.ILogger
	capacity int

	mu     sync.RWMutex
	latest map[string]core.Ticker
	subs   map[string][]*Subscription
}

func NewRouter(logger core.ILogger, queueCapacity int) *Router {
	return &Router{
		logger:   logger.WithField("component", "ticker_router"),
		capacity: queueCapacity,
		latest:   make(map[string]core.Ticker),
		subs:     make(map[string][]*Subscription),
	}
}

// Subscribe registers a new bounded queue for the pair.
func (r *Router) Subscribe(pair string) *Subscription {
	sub := &Subscription{pair: pair, ch: make(chan core.Ticker, r.capacity)}
	r.mu.Lock()
	r.subs[pair] = append(r.subs[pair], sub)
	r.mu.Unlock()
	return sub
}

// Unsubscribe removes the queue and closes its channel. The subscriber must
// treat channel close as end-of-stream.
func (r *Router) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	list := r.subs[sub.pair]
	for i, s := range list {
		if s == sub {
			r.subs[sub.pair] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[sub.pair]) == 0 {
		delete(r.subs, sub.pair)
	}
	r.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// Dispatch ingests one ticker. Non-monotone timestamps are dropped; equal
// timestamps count as late. Enqueueing never blocks the feed.
func (r *Router) Dispatch(tick core.Ticker) {
	metrics := telemetry.GetGlobalMetrics()
	attrs := metric.WithAttributes(attribute.String("pair", tick.Pair))

	r.mu.Lock()
	if last, ok := r.latest[tick.Pair]; ok && !tick.Ts.After(last.Ts) {
		r.mu.Unlock()
		metrics.TicksDroppedTotal.Add(context.Background(), 1, attrs)
		return
	}
	r.latest[tick.Pair] = tick
	subs := append([]*Subscription(nil), r.subs[tick.Pair]...)
	r.mu.Unlock()

	metrics.TicksRoutedTotal.Add(context.Background(), 1, attrs)

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		for {
			select {
			case sub.ch <- tick:
			default:
				// Full: drop the oldest entry and retry with the new one.
				select {
				case <-sub.ch:
					metrics.TicksDroppedTotal.Add(context.Background(), 1, attrs)
				default:
				}
				continue
			}
			break
		}
		sub.mu.Unlock()
	}
}

// LatestPrice returns the most recent price seen for the pair.
func (r *Router) LatestPrice(pair string) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tick, ok := r.latest[pair]
	if !ok {
		return decimal.Decimal{}, false
	}
	return tick.Price, true
}

// Latest returns the full latest ticker for the pair.
func (r *Router) Latest(pair string) (core.Ticker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tick, ok := r.latest[pair]
	return tick, ok
}

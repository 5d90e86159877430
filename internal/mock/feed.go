package mock

import (
	"context"
	"sync"

	"autotrader/internal/core"
)

// Feed implements core.MarketFeed. Tests push tickers with Emit.
type Feed struct {
	mu      sync.Mutex
	onTick  func(core.Ticker)
	pairs   map[string]bool
	healthy bool
	started bool
}

func NewFeed() *Feed {
	return &Feed{pairs: make(map[string]bool), healthy: true}
}

func (f *Feed) Start(ctx context.Context, onTick func(core.Ticker)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTick = onTick
	f.started = true
	return nil
}

func (f *Feed) Subscribe(pairs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pairs {
		f.pairs[p] = true
	}
	return nil
}

func (f *Feed) Unsubscribe(pairs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pairs {
		delete(f.pairs, p)
	}
	return nil
}

func (f *Feed) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *Feed) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

func (f *Feed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

// Emit delivers a ticker to the registered callback, synchronously.
func (f *Feed) Emit(ticker core.Ticker) {
	f.mu.Lock()
	onTick := f.onTick
	f.mu.Unlock()
	if onTick != nil {
		onTick(ticker)
	}
}

// Subscribed reports whether a pair has an active subscription.
func (f *Feed) Subscribed(pair string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairs[pair]
}

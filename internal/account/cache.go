// Package account caches exchange balances so that per-tick evaluation does
// not hammer the accounts endpoint.
package account

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"autotrader/internal/core"
	apperrors "autotrader/pkg/errors"
	"autotrader/pkg/telemetry"
)

// Cache is a TTL snapshot of all account balances. Concurrent refreshes for
// the same snapshot collapse into a single upstream call.
type Cache struct {
	client core.ExchangeClient
	logger core.ILogger

	ttl       time.Duration
	hardStale time.Duration

	group singleflight.Group

	mu        sync.RWMutex
	balances  map[string]core.Balance
	fetchedAt time.Time
}

func NewCache(client core.ExchangeClient, logger core.ILogger, ttl, hardStale time.Duration) *Cache {
	return &Cache{
		client:    client,
		logger:    logger.WithField("component", "account_cache"),
		ttl:       ttl,
		hardStale: hardStale,
	}
}

// Balances returns the cached snapshot, refreshing it when the TTL has
// elapsed. On refresh failure a stale snapshot is served as long as it is
// younger than the hard-stale bound; auth failures always propagate so the
// caller can degrade.
func (c *Cache) Balances(ctx context.Context) (map[string]core.Balance, error) {
	metrics := telemetry.GetGlobalMetrics()

	c.mu.RLock()
	balances, fetchedAt := c.balances, c.fetchedAt
	c.mu.RUnlock()

	age := time.Since(fetchedAt)
	if balances != nil && age < c.ttl {
		metrics.BalanceCacheHits.Add(ctx, 1)
		return balances, nil
	}
	metrics.BalanceCacheMisses.Add(ctx, 1)

	fresh, err, _ := c.group.Do("balances", func() (interface{}, error) {
		// Another waiter may have refreshed while we queued.
		c.mu.RLock()
		snap, at := c.balances, c.fetchedAt
		c.mu.RUnlock()
		if snap != nil && time.Since(at) < c.ttl {
			return snap, nil
		}

		fetched, err := c.client.ListBalances(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.balances = fetched
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return fetched, nil
	})
	if err == nil {
		return fresh.(map[string]core.Balance), nil
	}

	if apperrors.Classify(err) == apperrors.KindAuth {
		return nil, err
	}
	if balances != nil && age < c.hardStale {
		c.logger.Warn("serving stale balance snapshot",
			"age_seconds", age.Seconds(), "error", err.Error())
		return balances, nil
	}
	return nil, err
}

// Balance returns one currency's balance from the snapshot. Unknown
// currencies read as zero, matching an account that holds none of it.
func (c *Cache) Balance(ctx context.Context, currency string) (core.Balance, error) {
	balances, err := c.Balances(ctx)
	if err != nil {
		return core.Balance{}, err
	}
	return balances[currency], nil
}

// Invalidate drops the snapshot. Called after order placement so the next
// evaluation sees post-trade balances.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// Age returns how old the current snapshot is. Zero-value time means no
// snapshot has been taken yet.
func (c *Cache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() {
		return 0
	}
	return time.Since(c.fetchedAt)
}

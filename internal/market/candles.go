package market

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"autotrader/internal/core"
)

// CandleCache serves candle history per pair, refreshing from the exchange
// once the cached series is older than one candle interval. Bots sharing a
// pair share the series; concurrent refreshes collapse.
type CandleCache struct {
	client   core.ExchangeClient
	interval time.Duration
	history  int

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*candleEntry
}

type candleEntry struct {
	candles   []core.Candle
	fetchedAt time.Time
}

func NewCandleCache(client core.ExchangeClient, interval time.Duration, history int) *CandleCache {
	return &CandleCache{
		client:   client,
		interval: interval,
		history:  history,
		entries:  make(map[string]*candleEntry),
	}
}

// Get returns the candle series for the pair, fetching when the cache is
// cold or a full interval old.
func (c *CandleCache) Get(ctx context.Context, pair string) ([]core.Candle, error) {
	c.mu.RLock()
	entry, ok := c.entries[pair]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.interval {
		return entry.candles, nil
	}

	fresh, err, _ := c.group.Do(pair, func() (interface{}, error) {
		c.mu.RLock()
		entry, ok := c.entries[pair]
		c.mu.RUnlock()
		if ok && time.Since(entry.fetchedAt) < c.interval {
			return entry.candles, nil
		}

		candles, err := c.client.GetCandles(ctx, pair, c.intervalLabel(), c.history)
		if err != nil {
			// Serve the stale series if one exists; the engine tolerates a
			// lagging close better than a scoring gap.
			if ok {
				return entry.candles, nil
			}
			return nil, err
		}
		c.mu.Lock()
		c.entries[pair] = &candleEntry{candles: candles, fetchedAt: time.Now()}
		c.mu.Unlock()
		return candles, nil
	})
	if err != nil {
		return nil, err
	}
	return fresh.([]core.Candle), nil
}

// Invalidate drops the cached series for a pair.
func (c *CandleCache) Invalidate(pair string) {
	c.mu.Lock()
	delete(c.entries, pair)
	c.mu.Unlock()
}

func (c *CandleCache) intervalLabel() string {
	return strconv.Itoa(int(c.interval.Seconds()))
}

// Package ratelimit wraps a token bucket shared by all exchange REST calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a process-wide token bucket. When the exchange answers 429
// the bucket is drained to zero so queued callers wait out the penalty.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// New creates a limiter with the given refill rate and burst.
func New(refillPerSec float64, burst int) *Limiter {
	if refillPerSec <= 0 {
		refillPerSec = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(refillPerSec), burst),
	}
}

// Wait blocks until a token is available or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	return lim.Wait(ctx)
}

// Drain empties the bucket after a rate-limited response.
func (l *Limiter) Drain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	// ReserveN with the full burst consumes every available token.
	r := l.limiter.ReserveN(time.Now(), l.limiter.Burst())
	if !r.OK() {
		return
	}
}

// Update swaps the refill rate and burst, e.g. on SIGHUP.
func (l *Limiter) Update(refillPerSec float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Limit(refillPerSec), burst)
}

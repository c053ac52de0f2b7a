package push

import (
	"context"
	"math"
	"sync"
	"time"
)

// acquirePollInterval is how often a blocked Acquire re-checks the bucket.
const acquirePollInterval = 10 * time.Millisecond

// TokenBucket throttles outbound send attempts. Tokens refill lazily at
// RefillRate per second up to Capacity; the bucket starts full.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// refill adds tokens for the wall-clock time elapsed since the last refill,
// capped at capacity. Callers must hold mu.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// TryAcquire deducts n tokens if available and reports whether it did.
func (tb *TokenBucket) TryAcquire(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens < n {
		return false
	}
	tb.tokens -= n
	return true
}

// Acquire blocks until n tokens are available or ctx is done. Waiters poll
// at a fixed short interval; there is no fairness guarantee among them.
func (tb *TokenBucket) Acquire(ctx context.Context, n float64) error {
	for {
		if tb.TryAcquire(n) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// AvailableTokens returns the refilled token count, floored.
func (tb *TokenBucket) AvailableTokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return math.Floor(tb.tokens)
}

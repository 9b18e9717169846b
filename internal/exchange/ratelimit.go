// ratelimit.go paces requests to the CLOB API with continuously refilling
// token buckets.
//
// Selection fans book reads out across every candidate token, which is the
// only place the engine can burst. Signing and submission happen at most once
// per run but share the limiter so a misconfigured loop cannot hammer them.
//
//   - Book:  150 burst / 15 per sec (1500 per 10s window)
//   - Sign:   50 burst /  5 per sec
//   - Order:  50 burst /  5 per sec
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last refill computation
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RateLimiter groups token buckets by CLOB endpoint category.
type RateLimiter struct {
	Book  *TokenBucket // GET /book
	Sign  *TokenBucket // POST /orders/signature
	Order *TokenBucket // POST /orders
}

// NewRateLimiter creates the per-category buckets.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Book:  NewTokenBucket(150, 15),
		Sign:  NewTokenBucket(50, 5),
		Order: NewTokenBucket(50, 5),
	}
}

// Package ratelimit provides the deterministic rate limiting used by the
// relay server: a fixed-point token bucket and a bounded per-client limiter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using an injected
// clock, so tests advance time exactly.
//
// Token amounts are tracked as "nano-tokens" (1e9 per token) to avoid float
// rounding: a rate of X tokens/sec adds X nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clk clock.Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	avail int64 // nano-tokens
	last  time.Time
}

func NewTokenBucket(clk clock.Clock, capacity, rate int64) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clk:      clk,
		capacity: capacity,
		rate:     rate,
		avail:    tokensToNano(capacity),
		last:     clk.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clk.Now()
	if now.Before(b.last) {
		// Time went backwards; just move the reference point.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := tokensToNano(b.capacity)
	if b.avail >= capNano {
		b.avail = capNano
		return
	}

	// rate tokens/sec equals rate nano-tokens per nanosecond under the
	// fixed-point representation. Clamp before multiplying so a long idle
	// period cannot overflow.
	need := capNano - b.avail
	elapsedNanos := elapsed.Nanoseconds()
	maxElapsedToFill := need / b.rate
	if maxElapsedToFill <= 0 || elapsedNanos >= maxElapsedToFill {
		b.avail = capNano
		return
	}

	b.avail += elapsedNanos * b.rate
	if b.avail > capNano {
		b.avail = capNano
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}

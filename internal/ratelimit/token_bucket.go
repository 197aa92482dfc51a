// Package ratelimit provides a deterministic token bucket used to bound
// per-connection signaling message rates.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so tests can drive refills deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate of tokens per second. Accounting is
// done in nanoseconds of accumulated refill time rather than fractional
// tokens, so there is no float rounding drift.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens per second

	available int64 // whole tokens currently available
	// carryNanos is refill time observed but not yet worth a whole token.
	carryNanos int64
	last       time.Time
}

// NewTokenBucket returns a bucket that starts full. A nil clock uses the real
// one; non-positive capacity or rate yields a bucket that never refills
// beyond its initial burst.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < n {
		return false
	}
	b.available -= n
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.rate <= 0 || b.available >= b.capacity {
		b.carryNanos = 0
		return
	}

	total := b.carryNanos + elapsed
	nanosPerToken := int64(time.Second) / b.rate
	if nanosPerToken <= 0 {
		nanosPerToken = 1
	}

	earned := total / nanosPerToken
	b.carryNanos = total % nanosPerToken

	if earned >= b.capacity-b.available {
		b.available = b.capacity
		b.carryNanos = 0
		return
	}
	b.available += earned
}

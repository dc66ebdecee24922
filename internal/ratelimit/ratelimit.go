// Package ratelimit provides the deterministic token bucket used to bound
// inbound signaling message rates per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so buckets are testable without sleeping.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate (tokens/sec) up to capacity.
//
// Refill is computed in nanosecond-granularity integer math; no floats, so
// behavior is exactly reproducible under a fake clock.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	availableNanos int64 // 1 token == 1e9 nano-tokens
	last           time.Time
}

const nanosPerToken = int64(time.Second)

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
		clock:          clock,
		capacity:       capacity,
		rate:           rate,
		availableNanos: capacity * nanosPerToken,
		last:           clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.availableNanos < nanosPerToken {
		return false
	}
	b.availableNanos -= nanosPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; don't refill, just move the reference point.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 || elapsed <= 0 {
		return
	}

	capacityNanos := b.capacity * nanosPerToken
	need := capacityNanos - b.availableNanos
	if need <= 0 {
		b.availableNanos = capacityNanos
		return
	}

	// rate tokens/sec equals rate nano-tokens/ns; clamp instead of risking
	// overflow when elapsed is large enough to fill the bucket anyway.
	if elapsed >= need/b.rate {
		b.availableNanos = capacityNanos
		return
	}
	b.availableNanos += elapsed * b.rate
}

package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket limits inbound signaling messages per connection.
//
// It refills continuously at Rate tokens/sec up to Capacity. A zero or
// negative rate disables the limiter (Allow always succeeds).
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	rate     float64
	capacity float64

	tokens float64
	last   time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	b := &TokenBucket{
		clock:    clock,
		rate:     float64(rate),
		capacity: float64(capacity),
	}
	b.tokens = b.capacity
	b.last = clock.Now()
	return b
}

// Allow consumes n tokens if available.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	if b.rate <= 0 || b.capacity <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if now.After(b.last) {
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.last = now

	cost := float64(n)
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

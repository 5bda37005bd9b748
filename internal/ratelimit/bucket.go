package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a per-client token bucket gating inbound frames (component D).
// tokens refill continuously at rate per second up to burst capacity;
// each admitted frame consumes exactly one token.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	rate       float64
	burst      float64
	lastRefill time.Time
}

// NewBucket creates a bucket starting full, matching the reference
// behavior that a freshly admitted client can immediately send a burst.
func NewBucket(rate float64, burst int) *Bucket {
	return &Bucket{
		tokens:     float64(burst),
		rate:       rate,
		burst:      float64(burst),
		lastRefill: time.Now(),
	}
}

// Allow refills the bucket from elapsed monotonic time, then attempts to
// consume one token. Returns false without consuming anything if, after the
// refill, less than one whole token is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = minFloat(b.burst, b.tokens+elapsed*b.rate)
		b.lastRefill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

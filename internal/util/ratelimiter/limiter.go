package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// Limiter is a byte token bucket shared across transfer workers.
// A single bucket keeps aggregate pool throughput at or below the
// configured ceiling regardless of how many workers are active.
// It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	rate     float64 // tokens (bytes) per second, <= 0 means unlimited
	capacity float64
	tokens   float64
	last     time.Time
}

// New creates a limiter with the given rate in bytes per second.
// The burst capacity is one second's worth of tokens. A rate of zero
// or less disables limiting.
func New(bytesPerSec int64) *Limiter {
	return &Limiter{
		rate:     float64(bytesPerSec),
		capacity: float64(bytesPerSec),
		tokens:   float64(bytesPerSec),
		last:     time.Now(),
	}
}

// Take blocks until n tokens are available or ctx is cancelled.
// Requests larger than the bucket capacity are satisfied at capacity
// granularity so a big chunk cannot deadlock the bucket.
func (l *Limiter) Take(ctx context.Context, n int) error {
	if l.rate <= 0 || n <= 0 {
		return nil
	}

	need := float64(n)
	if need > l.capacity {
		need = l.capacity
	}

	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= need {
			l.tokens -= need
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((need - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refill adds tokens for the time elapsed since the last refill.
// Caller must hold mu.
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now

	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// Rate returns the configured rate in bytes per second
func (l *Limiter) Rate() int64 {
	return int64(l.rate)
}

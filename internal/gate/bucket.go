package gate

import (
	"sync"
	"time"
)

// TokenBucket is the per-upstream rate limiter described in spec §4.4:
// tokens accrue at refill_rate_per_sec up to capacity, and each permit
// costs one token. 0 <= tokens <= capacity holds after every observation.
type TokenBucket struct {
	mu               sync.Mutex
	tokens           float64
	capacity         float64
	refillRatePerSec float64
	lastRefill       time.Time
}

// NewTokenBucket builds a bucket that starts full.
func NewTokenBucket(capacity int, refillRatePerSec float64) *TokenBucket {
	return &TokenBucket{
		tokens:           float64(capacity),
		capacity:         float64(capacity),
		refillRatePerSec: refillRatePerSec,
		lastRefill:       time.Now(),
	}
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRatePerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryTake attempts to spend one token, returning whether it succeeded.
func (b *TokenBucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens reports the current token count after an implicit refill, for
// diagnostics and stats snapshots.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// Capacity returns the bucket's configured ceiling.
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}

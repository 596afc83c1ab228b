// bucket.go implements weighted token-bucket admission control.
//
// Exchanges publish limits as "N weight per window". The bucket refills
// continuously (rather than in window-sized bursts) so the bot never slams
// into a hard limit at a window boundary. Refill is computed lazily on every
// access; there is no background timer.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill and
// weighted acquisition. It is safe for concurrent use.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated

	now func() time.Time
}

// NewTokenBucket creates a full bucket with the given capacity and refill rate.
func NewTokenBucket(capacity int, ratePerSecond float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if ratePerSecond < 0 {
		ratePerSecond = 0
	}
	tb := &TokenBucket{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		rate:     ratePerSecond,
		now:      time.Now,
	}
	tb.lastTime = tb.now()
	return tb
}

// Capacity returns the maximum number of tokens the bucket holds.
func (tb *TokenBucket) Capacity() int { return int(tb.capacity) }

// Rate returns the refill rate in tokens per second.
func (tb *TokenBucket) Rate() float64 { return tb.rate }

// Acquire blocks until weight tokens are available, then debits them.
// waited reports whether the caller had to sleep at least once. If ctx is
// cancelled while waiting, nothing is debited and ctx.Err() is returned.
//
// A weight above capacity is clamped to capacity, so acquisition always
// eventually succeeds as long as the bucket refills.
func (tb *TokenBucket) Acquire(ctx context.Context, weight int) (waited bool, err error) {
	need := tb.clampWeight(weight)

	for {
		tb.mu.Lock()
		tb.refillLocked()
		if tb.tokens >= need {
			tb.tokens -= need
			tb.mu.Unlock()
			return waited, nil
		}

		var wait time.Duration
		if tb.rate > 0 {
			wait = time.Duration((need - tb.tokens) / tb.rate * float64(time.Second))
			if wait <= 0 {
				wait = time.Millisecond
			}
		}
		tb.mu.Unlock()

		waited = true
		if wait == 0 {
			// Refill rate 0: tokens never come back, only cancellation ends the wait.
			<-ctx.Done()
			return waited, ctx.Err()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			// re-evaluate; another caller may have drained the refill
		}
	}
}

// TryAcquire debits weight tokens only if they are available right now.
func (tb *TokenBucket) TryAcquire(weight int) bool {
	need := tb.clampWeight(weight)

	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < need {
		return false
	}
	tb.tokens -= need
	return true
}

// Available returns the whole number of tokens currently in the bucket.
func (tb *TokenBucket) Available() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return int(math.Floor(tb.tokens))
}

func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.lastTime = now
}

func (tb *TokenBucket) clampWeight(weight int) float64 {
	if weight < 1 {
		weight = 1
	}
	need := float64(weight)
	if need > tb.capacity {
		need = tb.capacity
	}
	return need
}

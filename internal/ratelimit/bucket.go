package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a simple global rate limiter. A nil or disabled bucket
// allows everything.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	ratePerS   float64
	burst      float64
	lastRefill time.Time
	disabled   bool
	now        func() time.Time
}

// NewTokenBucket returns a disabled bucket when perMinute <= 0.
func NewTokenBucket(perMinute, burst int) *TokenBucket {
	return newTokenBucket(perMinute, burst, time.Now)
}

func newTokenBucket(perMinute, burst int, now func() time.Time) *TokenBucket {
	if perMinute <= 0 {
		return &TokenBucket{disabled: true}
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &TokenBucket{
		tokens:     float64(burst),
		ratePerS:   float64(perMinute) / 60.0,
		burst:      float64(burst),
		lastRefill: now(),
		now:        now,
	}
}

func (t *TokenBucket) Allow() bool {
	if t == nil || t.disabled {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refillLocked()
	if t.tokens >= 1 {
		t.tokens -= 1
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (t *TokenBucket) Wait(ctx context.Context) error {
	if t == nil || t.disabled {
		return nil
	}
	for {
		if t.Allow() {
			return nil
		}
		timer := time.NewTimer(t.timeUntilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitForToken is Wait bounded by maxWait; it reports whether a token was taken.
func (t *TokenBucket) WaitForToken(maxWait time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), maxWait)
	defer cancel()
	return t.Wait(ctx) == nil
}

func (t *TokenBucket) timeUntilNext() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refillLocked()
	if t.tokens >= 1 || t.ratePerS <= 0 {
		return 0
	}
	need := 1 - t.tokens
	sec := need / t.ratePerS
	return time.Duration(sec * float64(time.Second))
}

func (t *TokenBucket) refillLocked() {
	now := t.now()
	elapsed := now.Sub(t.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	t.tokens += elapsed * t.ratePerS
	if t.tokens > t.burst {
		t.tokens = t.burst
	}
	t.lastRefill = now
}

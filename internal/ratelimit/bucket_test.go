package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisabledBucketAllowsAll(t *testing.T) {
	b := NewTokenBucket(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, b.Allow())
	}
	var nilBucket *TokenBucket
	assert.True(t, nilBucket.Allow())
	assert.NoError(t, nilBucket.Wait(context.Background()))
}

func TestBurstThenRefill(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	b := newTokenBucket(60, 2, clock)

	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())

	now = now.Add(1 * time.Second)
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())

	now = now.Add(10 * time.Second)
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "tokens capped at burst")
}

func TestWaitRespectsContext(t *testing.T) {
	b := NewTokenBucket(1, 1)
	assert.True(t, b.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, b.WaitForToken(10*time.Millisecond))
}

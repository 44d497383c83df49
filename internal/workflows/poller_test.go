package workflows

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttai-workers/internal/market"
	"ttai-workers/internal/quote"
)

func TestPollerNextInterval(t *testing.T) {
	p := NewPoller(nil, []string{"SPY"}, time.Second, zerolog.Nop())
	assert.Equal(t, time.Second, p.nextInterval(false))

	for _, tc := range []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{3, 2 * time.Second},
		{6, 4 * time.Second},
		{20, 4 * time.Second},
	} {
		p.consecutiveFailures = tc.failures
		assert.Equal(t, tc.want, p.nextInterval(true), "failures=%d", tc.failures)
	}

	assert.Equal(t, defaultPollInterval, NewPoller(nil, nil, 0, zerolog.Nop()).interval)
}

func TestPollerPollOnce(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	up := &upstream{fn: func(_ int32, symbols []string) ([]quote.Record, error) {
		if fail.Load() {
			return nil, market.NewError(market.KindAuth, "test", symbols, errors.New("expired"))
		}
		return spyQuote(), nil
	}}
	e := setup(t, up, testConfig())
	p := NewPoller(e, []string{"SPY"}, time.Second, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.PollOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, p.consecutiveFailures)

	fail.Store(false)
	res, err := p.PollOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Quotes, 1)
	assert.Equal(t, 0, p.consecutiveFailures)
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	up := &upstream{fn: func(int32, []string) ([]quote.Record, error) { return spyQuote(), nil }}
	e := setup(t, up, testConfig())
	p := NewPoller(e, []string{"SPY"}, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return up.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

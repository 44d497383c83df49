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

	"ttai-workers/internal/activity"
	"ttai-workers/internal/cache"
	"ttai-workers/internal/market"
	"ttai-workers/internal/orchestrator"
	"ttai-workers/internal/quote"
)

func f64(v float64) *float64 { return &v }

type upstream struct {
	calls atomic.Int32
	fn    func(n int32, symbols []string) ([]quote.Record, error)
}

func (u *upstream) Name() string { return "test" }

func (u *upstream) GetQuotes(_ context.Context, symbols []string) ([]quote.Record, error) {
	n := u.calls.Add(1)
	return u.fn(n, symbols)
}

func spyQuote() []quote.Record {
	return []quote.Record{{
		Symbol: "SPY", BidPrice: 450.50, AskPrice: 450.55, BidSize: 100, AskSize: 150,
		LastPrice: f64(450.52), Timestamp: time.Now().UTC(),
	}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryPolicy.InitialInterval = 40 * time.Millisecond
	cfg.RetryPolicy.MaximumInterval = 100 * time.Millisecond
	return cfg
}

func setup(t *testing.T, up *upstream, cfg Config) *orchestrator.Engine {
	t.Helper()
	e := orchestrator.NewEngine(orchestrator.Options{Logger: zerolog.Nop()})
	acts := activity.New(cache.NewQuoteCache(cache.NewMemoryStore(), 5*time.Second), up, nil, zerolog.Nop(),
		activity.Options{AuthErrorsRetryable: cfg.AuthErrorsRetryable})
	Register(e, acts, cfg)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func result(t *testing.T, h *orchestrator.Handle, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Result(ctx, out)
}

func TestDefaultConfig(t *testing.T) {
	opts := DefaultConfig().ActivityOptions()
	assert.Equal(t, 30*time.Second, opts.StartToCloseTimeout)
	assert.Equal(t, time.Second, opts.RetryPolicy.InitialInterval)
	assert.Equal(t, 2.0, opts.RetryPolicy.BackoffCoefficient)
	assert.Equal(t, 30*time.Second, opts.RetryPolicy.MaximumInterval)
	assert.Equal(t, 3, opts.RetryPolicy.MaximumAttempts)
	assert.ElementsMatch(t, []string{"QuoteNotFound", "InvalidSymbol", "AuthError"}, opts.RetryPolicy.NonRetryableErrorTypes)

	cfg := DefaultConfig()
	cfg.AuthErrorsRetryable = true
	assert.NotContains(t, cfg.ActivityOptions().RetryPolicy.NonRetryableErrorTypes, "AuthError")
}

func TestGetQuoteWorkflow(t *testing.T) {
	up := &upstream{fn: func(int32, []string) ([]quote.Record, error) { return spyQuote(), nil }}
	e := setup(t, up, testConfig())
	ctx := context.Background()

	h, err := SubmitGetQuote(ctx, e, "", "spy")
	require.NoError(t, err)
	var first GetQuoteResult
	require.NoError(t, result(t, h, &first))
	assert.Equal(t, "SPY", first.Symbol)
	assert.False(t, first.Cached)
	assert.Equal(t, 450.55, first.AskPrice)

	h, err = SubmitGetQuote(ctx, e, "", "SPY")
	require.NoError(t, err)
	var second GetQuoteResult
	require.NoError(t, result(t, h, &second))
	assert.True(t, second.Cached)
	assert.Equal(t, first.BidPrice, second.BidPrice)
	assert.Equal(t, first.Timestamp, second.Timestamp)
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestGetQuoteNotFoundIsNotRetried(t *testing.T) {
	up := &upstream{fn: func(int32, []string) ([]quote.Record, error) { return nil, nil }}
	e := setup(t, up, testConfig())

	h, err := SubmitGetQuote(context.Background(), e, "", "INVALID")
	require.NoError(t, err)
	err = result(t, h, nil)

	var ae *orchestrator.ApplicationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, activity.ErrQuoteNotFound, ae.Type)
	assert.Contains(t, ae.Message, "INVALID")
	assert.Equal(t, 1, ae.Attempts)

	info, err := h.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, info.Retries)
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestGetQuoteTransientThenSuccess(t *testing.T) {
	up := &upstream{fn: func(n int32, _ []string) ([]quote.Record, error) {
		if n == 1 {
			return nil, market.NewError(market.KindTransient, "test", []string{"SPY"}, errors.New("429 too many requests"))
		}
		return spyQuote(), nil
	}}
	cfg := testConfig()
	e := setup(t, up, cfg)

	start := time.Now()
	h, err := SubmitGetQuote(context.Background(), e, "", "SPY")
	require.NoError(t, err)
	var res GetQuoteResult
	require.NoError(t, result(t, h, &res))

	assert.False(t, res.Cached)
	assert.GreaterOrEqual(t, time.Since(start), cfg.RetryPolicy.InitialInterval)
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestGetQuoteAuthRetryability(t *testing.T) {
	authErr := func(int32, []string) ([]quote.Record, error) {
		return nil, market.NewError(market.KindAuth, "test", []string{"SPY"}, errors.New("invalid_grant"))
	}

	t.Run("non-retryable by default", func(t *testing.T) {
		up := &upstream{fn: authErr}
		e := setup(t, up, testConfig())
		h, err := SubmitGetQuote(context.Background(), e, "", "SPY")
		require.NoError(t, err)
		err = result(t, h, nil)
		var ae *orchestrator.ApplicationError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, activity.ErrAuth, ae.Type)
		assert.Equal(t, int32(1), up.calls.Load())
	})

	t.Run("retried when configured", func(t *testing.T) {
		up := &upstream{fn: authErr}
		cfg := testConfig()
		cfg.AuthErrorsRetryable = true
		e := setup(t, up, cfg)
		h, err := SubmitGetQuote(context.Background(), e, "", "SPY")
		require.NoError(t, err)
		err = result(t, h, nil)
		var ae *orchestrator.ApplicationError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, activity.ErrAuth, ae.Type)
		assert.Equal(t, 3, ae.Attempts)
		assert.Equal(t, int32(3), up.calls.Load())
	})
}

func TestGetQuotesWorkflow(t *testing.T) {
	up := &upstream{fn: func(_ int32, symbols []string) ([]quote.Record, error) {
		var out []quote.Record
		for _, s := range symbols {
			if s == "SPY" {
				out = append(out, spyQuote()...)
			}
		}
		return out, nil
	}}
	e := setup(t, up, testConfig())

	h, err := SubmitGetQuotes(context.Background(), e, "", []string{"SPY", "ZZZZ"})
	require.NoError(t, err)
	var res GetQuotesResult
	require.NoError(t, result(t, h, &res))
	require.Len(t, res.Quotes, 1)
	assert.Equal(t, "SPY", res.Quotes[0].Symbol)
	assert.Equal(t, []string{"ZZZZ"}, res.Missing)
}

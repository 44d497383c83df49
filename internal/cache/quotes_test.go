package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttai-workers/internal/quote"
)

func spy(ts time.Time) quote.Record {
	last := 450.52
	return quote.Record{
		Symbol:    "SPY",
		BidPrice:  450.50,
		AskPrice:  450.55,
		BidSize:   100,
		AskSize:   150,
		LastPrice: &last,
		Timestamp: ts,
	}
}

func TestQuoteCacheTTLWindow(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	qc := NewQuoteCache(NewMemoryStoreWithClock(clk.Now), 5*time.Second)

	require.NoError(t, qc.SetQuote(ctx, spy(clk.Now())))

	clk.Advance(2 * time.Second)
	rec, ok, err := qc.GetQuote(ctx, "spy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 450.50, rec.BidPrice)
	assert.Equal(t, int64(150), rec.AskSize)

	clk.Advance(4 * time.Second)
	_, ok, err = qc.GetQuote(ctx, "SPY")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuoteCacheDefaultTTL(t *testing.T) {
	qc := NewQuoteCache(NewMemoryStore(), 0)
	assert.Equal(t, DefaultQuoteTTL, qc.TTL())
}

func TestQuoteCacheGetQuotesPartition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	qc := NewQuoteCache(store, time.Minute)

	now := time.Now().UTC()
	qqq := spy(now)
	qqq.Symbol = "QQQ"
	require.NoError(t, qc.SetQuotes(ctx, []quote.Record{spy(now), qqq}))
	require.NoError(t, store.Set(ctx, quote.CacheKey("BAD"), []byte{0xc1}, time.Minute))

	hits, misses, err := qc.GetQuotes(ctx, []string{"aapl", "spy", "bad", "qqq", "msft"})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	assert.Contains(t, hits, "SPY")
	assert.Contains(t, hits, "QQQ")
	assert.Equal(t, []string{"AAPL", "BAD", "MSFT"}, misses)
}

func TestQuoteCacheCorruptPayload(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	qc := NewQuoteCache(store, time.Minute)
	require.NoError(t, store.Set(ctx, "quote:SPY", []byte("garbage"), time.Minute))

	_, ok, err := qc.GetQuote(ctx, "SPY")
	assert.False(t, ok)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestQuoteCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	qc := NewQuoteCache(NewMemoryStore(), time.Minute)
	require.NoError(t, qc.SetQuote(ctx, spy(time.Now())))

	n, err := qc.Invalidate(ctx, "spy", "qqq")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := qc.GetQuote(ctx, "SPY")
	require.NoError(t, err)
	assert.False(t, ok)
}

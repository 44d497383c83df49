package quote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "SPY", Normalize(" spy "))
	assert.Equal(t, "BRK/B", Normalize("brk/b"))
	assert.Equal(t, "quote:AAPL", CacheKey("aapl"))
}

func TestSymbolFromKey(t *testing.T) {
	sym, ok := SymbolFromKey("quote:SPY")
	assert.True(t, ok)
	assert.Equal(t, "SPY", sym)

	_, ok = SymbolFromKey("session:abc")
	assert.False(t, ok)
}

func TestEncodeDecodePreservesFields(t *testing.T) {
	last := 450.52
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123, time.UTC)
	in := Record{
		Symbol:    "spy",
		BidPrice:  450.50,
		AskPrice:  450.55,
		BidSize:   100,
		AskSize:   150,
		LastPrice: &last,
		Timestamp: ts,
	}

	b, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "SPY", out.Symbol)
	assert.Equal(t, 450.50, out.BidPrice)
	assert.Equal(t, 450.55, out.AskPrice)
	assert.Equal(t, int64(100), out.BidSize)
	assert.Equal(t, int64(150), out.AskSize)
	require.NotNil(t, out.LastPrice)
	assert.Equal(t, 450.52, *out.LastPrice)
	assert.True(t, ts.Equal(out.Timestamp))
}

func TestDecodeWithoutLastPrice(t *testing.T) {
	b, err := Encode(Record{Symbol: "QQQ", BidPrice: 1, AskPrice: 2, Timestamp: time.Now()})
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Nil(t, out.LastPrice)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	b, err := msgpack.Marshal(&payload{Version: 9, Symbol: "SPY"})
	require.NoError(t, err)

	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("not msgpack"))
	assert.Error(t, err)
}

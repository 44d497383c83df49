package quote

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	keyPrefix = "quote:"

	// PayloadVersion is written into every cached quote.
	PayloadVersion uint8 = 1
)

var ErrUnsupportedVersion = errors.New("quote: unsupported payload version")

// Record is a single top-of-book quote. Records are values; a repeated
// fetch produces a new Record rather than mutating an old one.
type Record struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	BidSize   int64
	AskSize   int64
	LastPrice *float64
	Timestamp time.Time
}

func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func CacheKey(symbol string) string {
	return keyPrefix + Normalize(symbol)
}

// SymbolFromKey reverses CacheKey. ok is false for keys outside the quote keyspace.
func SymbolFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, keyPrefix), true
}

func (r Record) Mid() float64 {
	return (r.BidPrice + r.AskPrice) / 2
}

func (r Record) Spread() float64 {
	return r.AskPrice - r.BidPrice
}

type payload struct {
	Version   uint8    `msgpack:"v"`
	Symbol    string   `msgpack:"s"`
	BidPrice  float64  `msgpack:"bp"`
	AskPrice  float64  `msgpack:"ap"`
	BidSize   int64    `msgpack:"bs"`
	AskSize   int64    `msgpack:"as"`
	LastPrice *float64 `msgpack:"lp,omitempty"`
	Timestamp int64    `msgpack:"t"`
}

// Encode serializes a record into the versioned cache payload.
func Encode(r Record) ([]byte, error) {
	p := payload{
		Version:   PayloadVersion,
		Symbol:    Normalize(r.Symbol),
		BidPrice:  r.BidPrice,
		AskPrice:  r.AskPrice,
		BidSize:   r.BidSize,
		AskSize:   r.AskSize,
		LastPrice: r.LastPrice,
		Timestamp: r.Timestamp.UnixNano(),
	}
	b, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("encode quote: %w", err)
	}
	return b, nil
}

func Decode(b []byte) (Record, error) {
	var p payload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return Record{}, fmt.Errorf("decode quote: %w", err)
	}
	if p.Version != PayloadVersion {
		return Record{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}
	return Record{
		Symbol:    p.Symbol,
		BidPrice:  p.BidPrice,
		AskPrice:  p.AskPrice,
		BidSize:   p.BidSize,
		AskSize:   p.AskSize,
		LastPrice: p.LastPrice,
		Timestamp: time.Unix(0, p.Timestamp).UTC(),
	}, nil
}

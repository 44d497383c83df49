package cache

import (
	"context"
	"fmt"
	"time"

	"ttai-workers/internal/quote"
)

const DefaultQuoteTTL = 5 * time.Second

// QuoteCache stores quote.Records under quote.CacheKey with a fixed TTL.
type QuoteCache struct {
	store Store
	ttl   time.Duration
}

func NewQuoteCache(store Store, ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &QuoteCache{store: store, ttl: ttl}
}

func (c *QuoteCache) TTL() time.Duration { return c.ttl }

func (c *QuoteCache) Store() Store { return c.store }

// GetQuote returns ok=false on a miss. A payload that cannot be decoded is
// returned as an error alongside ok=false.
func (c *QuoteCache) GetQuote(ctx context.Context, symbol string) (quote.Record, bool, error) {
	key := quote.CacheKey(symbol)
	b, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return quote.Record{}, false, err
	}
	rec, err := quote.Decode(b)
	if err != nil {
		return quote.Record{}, false, fmt.Errorf("cached %s: %w", key, err)
	}
	return rec, true, nil
}

func (c *QuoteCache) SetQuote(ctx context.Context, rec quote.Record) error {
	b, err := quote.Encode(rec)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, quote.CacheKey(rec.Symbol), b, c.ttl)
}

// GetQuotes looks up symbols in one round trip. Hits are keyed by normalized
// symbol; misses keep input order. Undecodable entries count as misses.
func (c *QuoteCache) GetQuotes(ctx context.Context, symbols []string) (map[string]quote.Record, []string, error) {
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = quote.CacheKey(s)
	}
	raw, _, err := BatchGet(ctx, c.store, keys)
	if err != nil {
		return nil, nil, err
	}
	hits := make(map[string]quote.Record, len(raw))
	var misses []string
	for _, k := range keys {
		sym, _ := quote.SymbolFromKey(k)
		if _, seen := hits[sym]; seen {
			continue
		}
		b, ok := raw[k]
		if !ok {
			misses = append(misses, sym)
			continue
		}
		rec, err := quote.Decode(b)
		if err != nil {
			misses = append(misses, sym)
			continue
		}
		hits[sym] = rec
	}
	return hits, misses, nil
}

func (c *QuoteCache) SetQuotes(ctx context.Context, recs []quote.Record) error {
	if len(recs) == 0 {
		return nil
	}
	entries := make(map[string][]byte, len(recs))
	for _, r := range recs {
		b, err := quote.Encode(r)
		if err != nil {
			return err
		}
		entries[quote.CacheKey(r.Symbol)] = b
	}
	return c.store.MSet(ctx, entries, c.ttl)
}

func (c *QuoteCache) Invalidate(ctx context.Context, symbols ...string) (int, error) {
	keys := make([]string, 0, len(symbols))
	for _, s := range symbols {
		keys = append(keys, quote.CacheKey(s))
	}
	return c.store.Delete(ctx, keys...)
}

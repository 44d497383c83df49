package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"ttai-workers/internal/cache"
	"ttai-workers/internal/database"
	"ttai-workers/internal/market"
	"ttai-workers/internal/quote"
)

type checker struct {
	out      io.Writer
	provider market.Provider
	quotes   *cache.QuoteCache
	db       *database.Client
	symbols  []string
}

func (c *checker) status(ok bool, format string, args ...any) {
	mark := "✓"
	if !ok {
		mark = "✗"
	}
	fmt.Fprintf(c.out, "%s %s\n", mark, fmt.Sprintf(format, args...))
}

func (c *checker) section(name string) {
	fmt.Fprintf(c.out, "\n--- %s ---\n", name)
}

// checkCache round-trips a raw value and a quote through the cache, then removes them.
func (c *checker) checkCache(ctx context.Context) bool {
	c.section("Cache")
	store := c.quotes.Store()
	if err := store.Ping(ctx); err != nil {
		c.status(false, "cache ping failed: %v", err)
		return false
	}
	c.status(true, "cache connection healthy")

	const key = "test:data_layer"
	want := []byte(`{"message":"hello from datacheck"}`)
	if err := store.Set(ctx, key, want, time.Minute); err != nil {
		c.status(false, "cache set failed: %v", err)
		return false
	}
	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok || string(got) != string(want) {
		c.status(false, "cache mismatch: hit=%v err=%v", ok, err)
		return false
	}
	c.status(true, "stored and read back test value")

	last := 100.02
	rec := quote.Record{Symbol: "TEST", BidPrice: 100.0, AskPrice: 100.05, LastPrice: &last, Timestamp: time.Now().UTC()}
	if err := c.quotes.SetQuote(ctx, rec); err != nil {
		c.status(false, "quote set failed: %v", err)
		return false
	}
	cached, ok, err := c.quotes.GetQuote(ctx, "TEST")
	if err != nil || !ok || cached.BidPrice != rec.BidPrice || cached.AskPrice != rec.AskPrice {
		c.status(false, "quote cache mismatch: hit=%v err=%v", ok, err)
		return false
	}
	c.status(true, "quote caching works")

	if _, err := store.Delete(ctx, key, quote.CacheKey("TEST")); err != nil {
		c.status(false, "cleanup failed: %v", err)
		return false
	}
	return true
}

func (c *checker) checkDatabase(ctx context.Context) bool {
	c.section("PostgreSQL")
	if err := c.db.Ping(ctx); err != nil {
		c.status(false, "postgres health check failed: %v", err)
		return false
	}
	c.status(true, "postgres connection healthy")
	v, err := c.db.Version(ctx)
	if err != nil {
		c.status(false, "could not read version: %v", err)
		return false
	}
	if i := strings.Index(v, ","); i > 0 {
		v = v[:i]
	}
	c.status(true, "postgres version: %s", v)
	return true
}

func (c *checker) checkUpstream(ctx context.Context) bool {
	c.section("Upstream")
	recs, err := c.provider.GetQuotes(ctx, c.symbols)
	if err != nil {
		msg := "fetch failed"
		if market.IsAuth(err) {
			msg = "authentication failed"
		}
		c.status(false, "%s: %v", msg, err)
		return false
	}
	if len(recs) == 0 {
		c.status(false, "no quotes returned for %v", c.symbols)
		return false
	}
	for _, r := range recs {
		c.status(true, "%s: bid=%.2f ask=%.2f", r.Symbol, r.BidPrice, r.AskPrice)
	}
	return true
}

// checkIntegration fills the cache from upstream for misses and verifies a
// second lookup is served entirely from the cache.
func (c *checker) checkIntegration(ctx context.Context) bool {
	c.section("Integration (upstream + cache)")
	_, missed, err := c.quotes.GetQuotes(ctx, c.symbols)
	if err != nil {
		c.status(false, "cache lookup failed: %v", err)
		return false
	}
	if len(missed) > 0 {
		recs, err := c.provider.GetQuotes(ctx, missed)
		if err != nil {
			c.status(false, "fetch failed: %v", err)
			return false
		}
		if err := c.quotes.SetQuotes(ctx, recs); err != nil {
			c.status(false, "cache write failed: %v", err)
			return false
		}
		c.status(true, "fetched and cached %d quotes", len(recs))
	}
	hits, missed, err := c.quotes.GetQuotes(ctx, c.symbols)
	if err != nil || len(missed) > 0 {
		c.status(false, "cache miss after storing: missed=%v err=%v", missed, err)
		return false
	}
	c.status(true, "verified cache hit for %d symbols", len(hits))
	return true
}

type result struct {
	name    string
	passed  bool
	skipped bool
}

func (c *checker) run(ctx context.Context, upstreamConfigured bool) []result {
	results := []result{
		{name: "Cache", passed: c.checkCache(ctx)},
	}
	if c.db != nil {
		results = append(results, result{name: "PostgreSQL", passed: c.checkDatabase(ctx)})
	} else {
		results = append(results, result{name: "PostgreSQL", skipped: true})
	}
	if !upstreamConfigured {
		fmt.Fprintln(c.out, "\n--- Skipping upstream checks (no credentials) ---")
		return append(results, result{name: "Upstream", skipped: true}, result{name: "Integration", skipped: true})
	}
	up := c.checkUpstream(ctx)
	results = append(results, result{name: "Upstream", passed: up})
	if up && results[0].passed {
		results = append(results, result{name: "Integration", passed: c.checkIntegration(ctx)})
	} else {
		results = append(results, result{name: "Integration"})
	}
	return results
}

var errChecksFailed = errors.New("some checks failed")

func (c *checker) summary(results []result) error {
	fmt.Fprintln(c.out, "\n"+strings.Repeat("=", 50))
	fmt.Fprintln(c.out, "Summary")
	fmt.Fprintln(c.out, strings.Repeat("=", 50))
	var failed bool
	for _, r := range results {
		if r.skipped {
			fmt.Fprintf(c.out, "- %s: skipped\n", r.name)
			continue
		}
		c.status(r.passed, "%s", r.name)
		if !r.passed {
			failed = true
		}
	}
	if failed {
		return errChecksFailed
	}
	return nil
}

package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"ttai-workers/internal/cache"
	"ttai-workers/internal/market"
	"ttai-workers/internal/orchestrator"
	"ttai-workers/internal/quote"
	"ttai-workers/internal/store"
)

const (
	FetchQuoteName  = "fetch_quote"
	FetchQuotesName = "fetch_quotes"
)

// Error types returned to the orchestrator.
const (
	ErrQuoteNotFound = "QuoteNotFound"
	ErrAuth          = "AuthError"
	ErrQuoteFetch    = "QuoteFetchError"
	ErrInvalidSymbol = "InvalidSymbol"
)

type FetchRequest struct {
	Symbol string `json:"symbol"`
}

type FetchResult struct {
	Symbol    string   `json:"symbol"`
	BidPrice  float64  `json:"bid_price"`
	AskPrice  float64  `json:"ask_price"`
	BidSize   int64    `json:"bid_size"`
	AskSize   int64    `json:"ask_size"`
	LastPrice *float64 `json:"last_price"`
	Timestamp string   `json:"timestamp"`
	Cached    bool     `json:"cached"`
}

type BatchRequest struct {
	Symbols []string `json:"symbols"`
}

type BatchResult struct {
	Quotes []FetchResult `json:"quotes"`
	// Missing lists symbols the upstream had no data for.
	Missing []string `json:"missing,omitempty"`
}

// Recorder receives every freshly fetched quote. *store.Store implements it.
type Recorder interface {
	InsertQuoteSnapshot(q store.QuoteSnapshot) error
}

type Options struct {
	// AuthErrorsRetryable lets the retry policy retry credential failures.
	AuthErrorsRetryable bool
	// CoalesceMisses shares one upstream call between concurrent misses
	// of the same symbol in this process.
	CoalesceMisses bool
}

type Activities struct {
	cache    *cache.QuoteCache
	provider market.Provider
	recorder Recorder
	log      zerolog.Logger
	opts     Options
	now      func() time.Time

	group singleflight.Group
}

// New wires the activity dependencies. recorder may be nil.
func New(qc *cache.QuoteCache, provider market.Provider, recorder Recorder, log zerolog.Logger, opts Options) *Activities {
	return &Activities{
		cache:    qc,
		provider: provider,
		recorder: recorder,
		log:      log.With().Str("component", "activity").Logger(),
		opts:     opts,
		now:      time.Now,
	}
}

// FetchQuote is the cache-aside read for one symbol. It makes at most one
// upstream call; retries belong to the caller's retry policy.
func (a *Activities) FetchQuote(ctx context.Context, req FetchRequest) (FetchResult, error) {
	symbol := quote.Normalize(req.Symbol)
	if symbol == "" {
		return FetchResult{}, orchestrator.NewNonRetryableError(ErrInvalidSymbol, "symbol is required", nil)
	}
	log := a.log.With().Str("symbol", symbol).Logger()

	if rec, ok := a.lookup(ctx, symbol, log); ok {
		log.Debug().Msg("cache hit")
		return toResult(rec, true), nil
	}

	log.Debug().Msg("cache miss, fetching upstream")
	var (
		rec quote.Record
		err error
	)
	if a.opts.CoalesceMisses {
		var v any
		v, err, _ = a.group.Do(symbol, func() (any, error) {
			return a.fetch(ctx, symbol, log)
		})
		if err == nil {
			rec = v.(quote.Record)
		}
	} else {
		rec, err = a.fetch(ctx, symbol, log)
	}
	if err != nil {
		return FetchResult{}, err
	}
	return toResult(rec, false), nil
}

func (a *Activities) lookup(ctx context.Context, symbol string, log zerolog.Logger) (quote.Record, bool) {
	if a.cache == nil {
		return quote.Record{}, false
	}
	rec, ok, err := a.cache.GetQuote(ctx, symbol)
	if err != nil {
		if errors.Is(err, cache.ErrUnavailable) {
			log.Warn().Err(err).Msg("cache unavailable, treating as miss")
		} else {
			log.Warn().Err(err).Msg("cached quote unreadable, treating as miss")
		}
		return quote.Record{}, false
	}
	return rec, ok
}

func (a *Activities) fetch(ctx context.Context, symbol string, log zerolog.Logger) (quote.Record, error) {
	recs, err := a.provider.GetQuotes(ctx, []string{symbol})
	if err != nil {
		return quote.Record{}, a.classify(symbol, err)
	}
	rec, ok := pick(recs, symbol)
	if !ok {
		return quote.Record{}, orchestrator.NewNonRetryableError(ErrQuoteNotFound, "no quote data returned for "+symbol, nil)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now().UTC()
	}

	if a.cache != nil {
		if err := a.cache.SetQuote(ctx, rec); err != nil {
			log.Warn().Err(err).Msg("cache write failed")
		}
	}
	a.record(rec, log)
	return rec, nil
}

// FetchQuotes is the batch form: one cache round trip, one upstream call for
// all misses, one cache write for the fetched records. Symbols without data
// are reported in Missing rather than failing the batch.
func (a *Activities) FetchQuotes(ctx context.Context, req BatchRequest) (BatchResult, error) {
	symbols := make([]string, 0, len(req.Symbols))
	seen := make(map[string]struct{}, len(req.Symbols))
	for _, s := range req.Symbols {
		n := quote.Normalize(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		symbols = append(symbols, n)
	}
	if len(symbols) == 0 {
		return BatchResult{}, orchestrator.NewNonRetryableError(ErrInvalidSymbol, "at least one symbol is required", nil)
	}

	hits := map[string]quote.Record{}
	misses := symbols
	if a.cache != nil {
		h, m, err := a.cache.GetQuotes(ctx, symbols)
		if err != nil {
			a.log.Warn().Err(err).Msg("cache unavailable, treating batch as miss")
		} else {
			hits, misses = h, m
		}
	}

	fresh := map[string]quote.Record{}
	if len(misses) > 0 {
		recs, err := a.provider.GetQuotes(ctx, misses)
		if err != nil {
			return BatchResult{}, a.classify(strings.Join(misses, ","), err)
		}
		now := a.now().UTC()
		stored := make([]quote.Record, 0, len(recs))
		for _, r := range recs {
			r.Symbol = quote.Normalize(r.Symbol)
			if r.Timestamp.IsZero() {
				r.Timestamp = now
			}
			fresh[r.Symbol] = r
			stored = append(stored, r)
			a.record(r, a.log)
		}
		if a.cache != nil {
			if err := a.cache.SetQuotes(ctx, stored); err != nil {
				a.log.Warn().Err(err).Int("quotes", len(stored)).Msg("cache write failed")
			}
		}
	}

	var out BatchResult
	for _, s := range symbols {
		if r, ok := hits[s]; ok {
			out.Quotes = append(out.Quotes, toResult(r, true))
		} else if r, ok := fresh[s]; ok {
			out.Quotes = append(out.Quotes, toResult(r, false))
		} else {
			out.Missing = append(out.Missing, s)
		}
	}
	return out, nil
}

// classify maps upstream failures onto the orchestrator's error types.
func (a *Activities) classify(subject string, err error) error {
	var ae *orchestrator.ApplicationError
	if errors.As(err, &ae) {
		return err
	}
	switch market.KindOf(err) {
	case market.KindAuth:
		msg := fmt.Sprintf("authentication failed fetching %s: %v", subject, err)
		if a.opts.AuthErrorsRetryable {
			return orchestrator.NewApplicationError(ErrAuth, msg, err)
		}
		return orchestrator.NewNonRetryableError(ErrAuth, msg, err)
	case market.KindNotFound:
		return orchestrator.NewNonRetryableError(ErrQuoteNotFound, "no quote data returned for "+subject, err)
	default:
		return orchestrator.NewApplicationError(ErrQuoteFetch, fmt.Sprintf("failed to fetch quote for %s: %v", subject, err), err)
	}
}

func (a *Activities) record(rec quote.Record, log zerolog.Logger) {
	if a.recorder == nil {
		return
	}
	src := "upstream"
	if a.provider != nil {
		src = a.provider.Name()
	}
	err := a.recorder.InsertQuoteSnapshot(store.QuoteSnapshot{
		TS:      rec.Timestamp.UnixMilli(),
		Symbol:  rec.Symbol,
		Bid:     rec.BidPrice,
		Ask:     rec.AskPrice,
		BidSize: rec.BidSize,
		AskSize: rec.AskSize,
		Last:    rec.LastPrice,
		Source:  src,
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("snapshot write failed")
	}
}

func pick(recs []quote.Record, symbol string) (quote.Record, bool) {
	for _, r := range recs {
		if quote.Normalize(r.Symbol) == symbol {
			r.Symbol = symbol
			return r, true
		}
	}
	return quote.Record{}, false
}

func toResult(r quote.Record, cached bool) FetchResult {
	return FetchResult{
		Symbol:    r.Symbol,
		BidPrice:  r.BidPrice,
		AskPrice:  r.AskPrice,
		BidSize:   r.BidSize,
		AskSize:   r.AskSize,
		LastPrice: r.LastPrice,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		Cached:    cached,
	}
}

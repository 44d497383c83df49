package tastytrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ttai-workers/internal/market"
	"ttai-workers/internal/quote"
	"ttai-workers/internal/ratelimit"
)

const maxSymbolsPerRequest = 100

type marketDataResponse struct {
	Data struct {
		Items []marketDataItem `json:"items"`
	} `json:"data"`
}

type marketDataItem struct {
	Symbol    string    `json:"symbol"`
	Bid       flexFloat `json:"bid"`
	Ask       flexFloat `json:"ask"`
	BidSize   flexFloat `json:"bid-size"`
	AskSize   flexFloat `json:"ask-size"`
	Last      flexFloat `json:"last"`
	UpdatedAt string    `json:"updated-at"`
}

// flexFloat accepts 1.5, "1.5", "" and null.
type flexFloat struct {
	Value float64
	Valid bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = flexFloat{}
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" || strings.EqualFold(s, "nan") {
		*f = flexFloat{}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexFloat{Value: v, Valid: true}
	return nil
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	Limiter *ratelimit.TokenBucket
}

// Client fetches top-of-book quotes from the market-data REST endpoint.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	limiter    *ratelimit.TokenBucket
	now        func() time.Time
}

func NewClient(tokens TokenSource, opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    opts.Limiter,
		now:        time.Now,
	}
}

func (c *Client) Name() string { return providerName }

// GetQuotes returns one record per symbol the upstream knows about, in
// request order. Unknown symbols are simply absent.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]quote.Record, error) {
	syms := dedupe(symbols)
	if len(syms) == 0 {
		return nil, fmt.Errorf("symbols is empty")
	}
	byS := make(map[string]quote.Record, len(syms))
	for start := 0; start < len(syms); start += maxSymbolsPerRequest {
		end := start + maxSymbolsPerRequest
		if end > len(syms) {
			end = len(syms)
		}
		items, err := c.fetch(ctx, syms[start:end])
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			rec := c.toRecord(it)
			byS[rec.Symbol] = rec
		}
	}
	out := make([]quote.Record, 0, len(byS))
	for _, s := range syms {
		if rec, ok := byS[s]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, symbols []string) ([]marketDataItem, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, market.NewError(market.KindTransient, providerName, symbols, fmt.Errorf("rate limit wait: %w", err))
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, market.Classify(providerName, symbols, err)
	}

	q := url.Values{}
	q.Set("equity", strings.Join(symbols, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/market-data/by-type?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Version", APIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, market.Classify(providerName, symbols, fmt.Errorf("request market data: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	default:
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, statusError(resp.StatusCode, symbols, errors.New(strings.TrimSpace(string(msg))))
	}

	var payload marketDataResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, market.NewError(market.KindTransient, providerName, symbols, fmt.Errorf("decode market data: %w", err))
	}
	return payload.Data.Items, nil
}

func (c *Client) toRecord(it marketDataItem) quote.Record {
	rec := quote.Record{
		Symbol:   quote.Normalize(it.Symbol),
		BidPrice: it.Bid.Value,
		AskPrice: it.Ask.Value,
		BidSize:  int64(it.BidSize.Value),
		AskSize:  int64(it.AskSize.Value),
	}
	if it.Last.Valid {
		last := it.Last.Value
		rec.LastPrice = &last
	}
	rec.Timestamp = c.now().UTC()
	if it.UpdatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, it.UpdatedAt); err == nil {
			rec.Timestamp = ts.UTC()
		}
	}
	return rec
}

func statusError(status int, symbols []string, err error) *market.FetchError {
	kind := market.KindUnexpected
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = market.KindAuth
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		kind = market.KindTransient
	}
	fe := market.NewError(kind, providerName, symbols, err)
	fe.Status = status
	return fe
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := quote.Normalize(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

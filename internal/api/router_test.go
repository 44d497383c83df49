package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttai-workers/internal/activity"
	"ttai-workers/internal/cache"
	"ttai-workers/internal/market"
	"ttai-workers/internal/orchestrator"
	"ttai-workers/internal/quote"
	"ttai-workers/internal/store"
	"ttai-workers/internal/workflows"
)

func f64(v float64) *float64 { return &v }

type testAPI struct {
	router *route.Engine
	engine *orchestrator.Engine
	quotes *cache.QuoteCache
	store  *store.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	upstream := market.ProviderFunc(func(_ context.Context, symbols []string) ([]quote.Record, error) {
		var out []quote.Record
		for _, s := range symbols {
			if s == "SPY" {
				out = append(out, quote.Record{
					Symbol: "SPY", BidPrice: 450.50, AskPrice: 450.55, BidSize: 100, AskSize: 150,
					LastPrice: f64(450.52), Timestamp: time.Now().UTC(),
				})
			}
		}
		return out, nil
	})

	e := orchestrator.NewEngine(orchestrator.Options{Journal: st, Logger: zerolog.Nop()})
	qc := cache.NewQuoteCache(cache.NewMemoryStore(), 5*time.Second)
	workflows.Register(e, activity.New(qc, upstream, st, zerolog.Nop(), activity.Options{}), workflows.DefaultConfig())
	e.Start()
	t.Cleanup(e.Stop)

	r := route.NewEngine(config.NewOptions([]config.Option{}))
	RegisterRoutes(r, Deps{Engine: e, Quotes: qc, Store: st, Watchlist: []string{"SPY"}, Log: zerolog.Nop()})
	return &testAPI{router: r, engine: e, quotes: qc, store: st}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var b *ut.Body
	var headers []ut.Header
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		b = &ut.Body{Body: bytes.NewReader(raw), Len: len(raw)}
		headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	}
	w := ut.PerformRequest(a.router, method, path, b, headers...)
	resp := w.Result()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body(), &out), string(resp.Body()))
	return resp.StatusCode(), out
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	code, body := a.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["cache"])
	assert.Equal(t, "ok", checks["store"])
}

func TestGetQuoteRoute(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.do(t, http.MethodGet, "/api/v1/quotes/spy", nil)
	require.Equal(t, http.StatusOK, code, body)
	res := body["result"].(map[string]any)
	assert.Equal(t, "SPY", res["symbol"])
	assert.Equal(t, false, res["cached"])
	assert.Equal(t, 450.55, res["ask_price"])

	code, body = a.do(t, http.MethodGet, "/api/v1/quotes/SPY", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["result"].(map[string]any)["cached"])

	code, body = a.do(t, http.MethodGet, "/api/v1/snapshots?symbol=spy", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)
}

func TestGetQuoteRouteNotFound(t *testing.T) {
	a := newTestAPI(t)
	code, body := a.do(t, http.MethodGet, "/api/v1/quotes/INVALID", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "QuoteNotFound", body["error_type"])
	assert.Contains(t, body["error"], "INVALID")
	assert.Equal(t, float64(1), body["attempts"])
}

func TestGetQuotesRouteUsesWatchlist(t *testing.T) {
	a := newTestAPI(t)
	code, body := a.do(t, http.MethodGet, "/api/v1/quotes", nil)
	require.Equal(t, http.StatusOK, code, body)
	quotes := body["result"].(map[string]any)["quotes"].([]any)
	require.Len(t, quotes, 1)
	assert.Equal(t, "SPY", quotes[0].(map[string]any)["symbol"])

	code, body = a.do(t, http.MethodGet, "/api/v1/quotes?symbols=SPY,NOPE", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"NOPE"}, body["result"].(map[string]any)["missing"])
}

func TestWorkflowLifecycleRoutes(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"workflow": workflows.GetQuoteName,
		"id":       "quote-spy-1",
		"input":    map[string]string{"symbol": "SPY"},
	})
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, "quote-spy-1", body["id"])

	code, body = a.do(t, http.MethodGet, "/api/v1/workflows/quote-spy-1/result?wait=5s", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "SPY", body["result"].(map[string]any)["symbol"])

	code, body = a.do(t, http.MethodGet, "/api/v1/workflows/quote-spy-1", nil)
	require.Equal(t, http.StatusOK, code)
	run := body["run"].(map[string]any)
	assert.Equal(t, "Completed", run["status"])
	assert.Equal(t, "GetQuoteWorkflow", run["workflow"])

	code, body = a.do(t, http.MethodGet, "/api/v1/workflows?status=Completed", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)

	code, _ = a.do(t, http.MethodPost, "/api/v1/workflows/quote-spy-1/cancel", nil)
	assert.Equal(t, http.StatusOK, code, "cancel of a closed run is a no-op")
}

func TestWorkflowRouteErrors(t *testing.T) {
	a := newTestAPI(t)

	code, _ := a.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{"workflow": "Nope"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/api/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodGet, "/api/v1/workflows/missing/result?wait=0s", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodGet, "/api/v1/workflows/x/result?wait=soon", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/api/v1/workflows?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestInvalidateRoute(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.quotes.SetQuote(context.Background(), quote.Record{Symbol: "SPY", Timestamp: time.Now()}))

	code, body := a.do(t, http.MethodDelete, "/api/v1/cache/quotes/spy", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["removed"])

	_, ok, err := a.quotes.GetQuote(context.Background(), "SPY")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotificationsRoute(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.store.InsertNotification(store.NotificationRecord{TS: 1, Kind: "workflow_failed", DedupKey: "k", Status: "sent"}))

	code, body := a.do(t, http.MethodGet, "/api/v1/notifications/dedup/k", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)
}

func TestParseHelpers(t *testing.T) {
	l, err := parseLimit("")
	require.NoError(t, err)
	assert.Equal(t, 200, l)
	l, err = parseLimit("5000")
	require.NoError(t, err)
	assert.Equal(t, 1000, l)
	_, err = parseLimit("x")
	assert.Error(t, err)

	_, err = parseOffset("-1")
	assert.Error(t, err)

	w, err := parseWait("")
	require.NoError(t, err)
	assert.Equal(t, defaultResultWait, w)
	w, err = parseWait("1h")
	require.NoError(t, err)
	assert.Equal(t, maxResultWait, w)

	assert.Equal(t, []string{"SPY", "QQQ"}, parseSymbols(" SPY, ,QQQ ", nil))
	assert.Equal(t, []string{"D"}, parseSymbols("", []string{"D"}))
}

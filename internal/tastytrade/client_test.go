package tastytrade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttai-workers/internal/market"
)

const spyItem = `{"symbol":"SPY","bid":"450.5","ask":450.55,"bid-size":100,"ask-size":"150","last":"450.52","updated-at":"2024-01-15T14:30:00.000Z"}`

func TestFlexFloat(t *testing.T) {
	var v struct {
		A flexFloat `json:"a"`
		B flexFloat `json:"b"`
		C flexFloat `json:"c"`
		D flexFloat `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":1.25,"b":"2.5","c":null,"d":""}`), &v))
	assert.Equal(t, flexFloat{1.25, true}, v.A)
	assert.Equal(t, flexFloat{2.5, true}, v.B)
	assert.False(t, v.C.Valid)
	assert.False(t, v.D.Valid)

	assert.Error(t, json.Unmarshal([]byte(`{"a":"abc"}`), &v))
}

func TestGetQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/market-data/by-type", r.URL.Path)
		assert.Equal(t, "SPY,INVALID", r.URL.Query().Get("equity"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":{"items":[` + spyItem + `]}}`))
	}))
	defer srv.Close()

	c := NewClient(StaticToken("tok"), Options{BaseURL: srv.URL})
	recs, err := c.GetQuotes(context.Background(), []string{"spy", "INVALID", "SPY"})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, "SPY", r.Symbol)
	assert.Equal(t, 450.50, r.BidPrice)
	assert.Equal(t, 450.55, r.AskPrice)
	assert.Equal(t, int64(100), r.BidSize)
	assert.Equal(t, int64(150), r.AskSize)
	require.NotNil(t, r.LastPrice)
	assert.Equal(t, 450.52, *r.LastPrice)
	assert.Equal(t, time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC), r.Timestamp)
}

func TestGetQuotesEmptySymbols(t *testing.T) {
	c := NewClient(StaticToken("tok"), Options{BaseURL: "http://127.0.0.1:1"})
	_, err := c.GetQuotes(context.Background(), []string{"  "})
	assert.Error(t, err)
}

func TestGetQuotesStatusMapping(t *testing.T) {
	testCases := []struct {
		status int
		kind   market.Kind
	}{
		{http.StatusUnauthorized, market.KindAuth},
		{http.StatusForbidden, market.KindAuth},
		{http.StatusTooManyRequests, market.KindTransient},
		{http.StatusBadGateway, market.KindTransient},
		{http.StatusTeapot, market.KindUnexpected},
	}
	for _, tc := range testCases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := NewClient(StaticToken("tok"), Options{BaseURL: srv.URL})
			_, err := c.GetQuotes(context.Background(), []string{"SPY"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, market.KindOf(err))
		})
	}
}

func TestGetQuotesNotFoundIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(StaticToken("tok"), Options{BaseURL: srv.URL})
	recs, err := c.GetQuotes(context.Background(), []string{"INVALID"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestGetQuotesNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(StaticToken("tok"), Options{BaseURL: url})
	_, err := c.GetQuotes(context.Background(), []string{"SPY"})
	require.Error(t, err)
	assert.True(t, market.IsTransient(err))
}

func TestAuthenticatorCachesAndRefreshes(t *testing.T) {
	var tokenCalls, dataCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "refresh_token", body["grant_type"])
			assert.Equal(t, "secret", body["client_secret"])
			n := tokenCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok" + string(rune('0'+n)),
				"expires_in":   900,
			})
		case "/market-data/by-type":
			// first data call sees a stale token
			if dataCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, "Bearer tok2", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"data":{"items":[` + spyItem + `]}}`))
		}
	}))
	defer srv.Close()

	auth := NewAuthenticator(srv.URL, "secret", "refresh", time.Second)
	c := NewClient(auth, Options{BaseURL: srv.URL})

	_, err := c.GetQuotes(context.Background(), []string{"SPY"})
	require.Error(t, err)
	assert.True(t, market.IsAuth(err))

	recs, err := c.GetQuotes(context.Background(), []string{"SPY"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	tok, err := auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok2", tok)
	assert.Equal(t, int32(2), tokenCalls.Load())
}

func TestAuthenticatorRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	_, err := NewAuthenticator(srv.URL, "secret", "bad", time.Second).Token(context.Background())
	require.Error(t, err)
	assert.True(t, market.IsAuth(err))
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestAuthenticatorMissingCredentials(t *testing.T) {
	_, err := NewAuthenticator("", "", "", 0).Token(context.Background())
	assert.True(t, market.IsAuth(err))
}

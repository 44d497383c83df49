package tastytrade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ttai-workers/internal/market"
)

const (
	DefaultBaseURL = "https://api.tastyworks.com"
	APIVersion     = "20251101"
	providerName   = "tastytrade"

	// refresh this long before the server-side expiry
	tokenSkew = 60 * time.Second
)

// TokenSource hands out a bearer token; Invalidate forces the next call to refresh.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Authenticator exchanges a refresh token for short-lived access tokens.
type Authenticator struct {
	baseURL      string
	clientSecret string
	refreshToken string
	httpClient   *http.Client
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewAuthenticator(baseURL, clientSecret, refreshToken string, timeout time.Duration) *Authenticator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Authenticator{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		httpClient:   &http.Client{Timeout: timeout},
		now:          time.Now,
	}
}

func (a *Authenticator) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && a.now().Before(a.expiresAt) {
		return a.token, nil
	}
	tok, ttl, err := a.refresh(ctx)
	if err != nil {
		return "", err
	}
	a.token = tok
	if ttl > tokenSkew {
		ttl -= tokenSkew
	}
	a.expiresAt = a.now().Add(ttl)
	return tok, nil
}

func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	a.token = ""
	a.expiresAt = time.Time{}
	a.mu.Unlock()
}

func (a *Authenticator) refresh(ctx context.Context) (string, time.Duration, error) {
	if a.clientSecret == "" || a.refreshToken == "" {
		return "", 0, market.NewError(market.KindAuth, providerName, nil, errors.New("client secret and refresh token are required"))
	}
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_secret": a.clientSecret,
		"refresh_token": a.refreshToken,
	})
	if err != nil {
		return "", 0, fmt.Errorf("marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Version", APIVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, market.Classify(providerName, nil, fmt.Errorf("token request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		fe := statusError(resp.StatusCode, nil, fmt.Errorf("token refresh: %s", strings.TrimSpace(string(msg))))
		if resp.StatusCode == http.StatusBadRequest {
			fe.Kind = market.KindAuth
		}
		return "", 0, fe
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, market.NewError(market.KindTransient, providerName, nil, fmt.Errorf("decode token response: %w", err))
	}
	if out.AccessToken == "" {
		return "", 0, market.NewError(market.KindAuth, providerName, nil, errors.New("empty access token"))
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return out.AccessToken, ttl, nil
}

// StaticToken is a TokenSource for a fixed token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", market.NewError(market.KindAuth, providerName, nil, errors.New("empty token"))
	}
	return string(s), nil
}

func (StaticToken) Invalidate() {}

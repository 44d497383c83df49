package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ttai-workers/internal/activity"
	"ttai-workers/internal/orchestrator"
	"ttai-workers/internal/workflows"
)

// ErrNotReady is returned by Result when the run is still open after the wait.
var ErrNotReady = errors.New("api: result not ready")

// Client talks to a worker's HTTP API from another process.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	OK        bool                  `json:"ok"`
	ID        string                `json:"id"`
	Error     string                `json:"error"`
	ErrorType string                `json:"error_type"`
	Attempts  int                   `json:"attempts"`
	Result    json.RawMessage       `json:"result"`
	Run       *orchestrator.RunInfo `json:"run"`
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, envelope, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, envelope{}, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, envelope{}, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, envelope{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, envelope{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, env, nil
}

// Submit starts workflow and returns the run id.
func (c *Client) Submit(ctx context.Context, workflow, id string, input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	status, env, err := c.do(ctx, http.MethodPost, "/api/v1/workflows", SubmitRequest{Workflow: workflow, ID: id, Input: raw})
	if err != nil {
		return "", err
	}
	if !env.OK {
		return "", fmt.Errorf("submit %s: status %d: %s", workflow, status, env.Error)
	}
	return env.ID, nil
}

func (c *Client) Describe(ctx context.Context, id string) (orchestrator.RunInfo, error) {
	status, env, err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id), nil)
	if err != nil {
		return orchestrator.RunInfo{}, err
	}
	if status == http.StatusNotFound {
		return orchestrator.RunInfo{}, fmt.Errorf("%w: %s", orchestrator.ErrRunNotFound, id)
	}
	if !env.OK || env.Run == nil {
		return orchestrator.RunInfo{}, fmt.Errorf("describe %s: status %d: %s", id, status, env.Error)
	}
	return *env.Run, nil
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	status, env, err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", orchestrator.ErrRunNotFound, id)
	}
	if !env.OK {
		return fmt.Errorf("cancel %s: status %d: %s", id, status, env.Error)
	}
	return nil
}

// Result waits up to wait for the run to close and decodes its output into
// out. A failed run comes back as *orchestrator.ApplicationError.
func (c *Client) Result(ctx context.Context, id string, wait time.Duration, out any) error {
	q := url.Values{"wait": {wait.String()}}
	return c.result(ctx, "/api/v1/workflows/"+url.PathEscape(id)+"/result?"+q.Encode(), out)
}

// GetQuote runs GetQuoteWorkflow on the worker and waits for it.
func (c *Client) GetQuote(ctx context.Context, symbol string) (workflows.GetQuoteResult, error) {
	var out activity.FetchResult
	err := c.result(ctx, "/api/v1/quotes/"+url.PathEscape(symbol), &out)
	return out, err
}

func (c *Client) GetQuotes(ctx context.Context, symbols []string) (workflows.GetQuotesResult, error) {
	var out activity.BatchResult
	q := url.Values{"symbols": {strings.Join(symbols, ",")}}
	err := c.result(ctx, "/api/v1/quotes?"+q.Encode(), &out)
	return out, err
}

func (c *Client) result(ctx context.Context, path string, out any) error {
	status, env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	switch {
	case env.OK:
		if out == nil || len(env.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return nil
	case status == http.StatusAccepted:
		return fmt.Errorf("%w: %s", ErrNotReady, env.ID)
	case env.ErrorType != "":
		return &orchestrator.ApplicationError{Type: env.ErrorType, Message: env.Error, NonRetryable: true, Attempts: env.Attempts}
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", orchestrator.ErrRunNotFound, env.Error)
	default:
		return fmt.Errorf("status %d: %s", status, env.Error)
	}
}

// Healthy reports whether /healthz answered ok.
func (c *Client) Healthy(ctx context.Context) error {
	status, env, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	if !env.OK {
		return fmt.Errorf("worker unhealthy: status %d", status)
	}
	return nil
}

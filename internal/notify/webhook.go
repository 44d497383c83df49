package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"ttai-workers/internal/orchestrator"
)

const (
	HeaderTimestamp = "X-Ttai-Timestamp"
	HeaderSignature = "X-Ttai-Signature"

	maxReplyBytes = 64 << 10
)

// Reply codes that mean something other than a plain failure. The values
// follow the chat-bot webhooks most receivers are.
const (
	CodeOK       = 0
	CodeTooFast  = 130101
	CodeRejected = 310000 // signature, keyword or IP allow-list mismatch
)

var errNoEndpoint = errors.New("notify webhook: no endpoint configured")

// RunFailure is the machine-readable part of a failed-run notification.
type RunFailure struct {
	ID        string `json:"id"`
	Workflow  string `json:"workflow"`
	ErrorType string `json:"error_type"`
	Attempts  int    `json:"attempts"`
}

func NewRunFailure(info orchestrator.RunInfo) RunFailure {
	return RunFailure{
		ID:        info.ID,
		Workflow:  info.Workflow,
		ErrorType: info.ErrorType,
		Attempts:  info.Attempts,
	}
}

// Payload is the JSON body of every delivery. Chat receivers render
// Markdown; anything else can read Run.
type Payload struct {
	MsgType  string          `json:"msgtype"`
	Kind     string          `json:"kind,omitempty"`
	Markdown MarkdownSection `json:"markdown"`
	Run      *RunFailure     `json:"run,omitempty"`
}

type MarkdownSection struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Reply is the receiver's acknowledgement. An empty 2xx body counts as CodeOK.
type Reply struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (r Reply) Status() Status {
	switch r.ErrCode {
	case CodeOK:
		return StatusSent
	case CodeTooFast:
		return StatusLimited
	case CodeRejected:
		return StatusRejected
	default:
		return StatusFailed
	}
}

// Webhook POSTs a Payload to one endpoint. With a secret set, each request
// carries HeaderTimestamp (unix seconds) and HeaderSignature, the hex
// HMAC-SHA256 of "<timestamp>.<body>".
type Webhook struct {
	endpoint string
	secret   string
	client   *http.Client
	now      func() time.Time
}

func NewWebhook(endpoint, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

func (w *Webhook) Send(ctx context.Context, msg Message) (Reply, error) {
	if w.endpoint == "" {
		return Reply{}, errNoEndpoint
	}
	body, err := json.Marshal(Payload{
		MsgType:  "markdown",
		Kind:     msg.Kind,
		Markdown: MarkdownSection{Title: msg.Title, Text: msg.Markdown},
		Run:      msg.Run,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("notify webhook: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("notify webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		ts := strconv.FormatInt(w.now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Signature(w.secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("notify webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Reply{ErrCode: CodeTooFast, ErrMsg: resp.Status}, nil
	}
	if resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("notify webhook: unexpected status %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, fmt.Errorf("notify webhook: read reply: %w", err)
	}
	var reply Reply
	if len(bytes.TrimSpace(raw)) == 0 {
		return reply, nil
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Reply{}, fmt.Errorf("notify webhook: decode reply: %w", err)
	}
	return reply, nil
}

// Signature is what a receiver recomputes to verify a delivery.
func Signature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

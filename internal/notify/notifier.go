package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ttai-workers/internal/orchestrator"
	"ttai-workers/internal/ratelimit"
	"ttai-workers/internal/store"
)

type Status string

const (
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
	StatusLimited    Status = "rate_limited"
	// StatusRejected means the receiver refused the request itself (bad
	// signature or allow-list), so retrying will not help.
	StatusRejected Status = "rejected"
)

const channelWebhook = "webhook"

type Sender interface {
	Send(ctx context.Context, msg Message) (Reply, error)
}

// Recorder persists delivery attempts. *store.Store implements it.
type Recorder interface {
	InsertNotification(n store.NotificationRecord) error
}

type Config struct {
	DedupWindow time.Duration
	PerMinute   int
	Burst       int
	// MaxWait bounds how long Notify waits for a rate-limit token.
	MaxWait time.Duration
	Timeout time.Duration
}

type Message struct {
	Kind     string
	Title    string
	Markdown string
	DedupKey string
	Run      *RunFailure
}

type Result struct {
	Status  Status
	ErrCode int
	ErrMsg  string
	Error   error
}

// Notifier delivers terminal workflow failures, suppressing repeats of the
// same dedup key inside the window and spending tokens from a shared bucket.
type Notifier struct {
	sender   Sender
	recorder Recorder
	cfg      Config
	limiter  *ratelimit.TokenBucket
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	dedup map[string]time.Time
}

// New returns a Notifier. sender and recorder may be nil; with no sender
// messages are only recorded.
func New(sender Sender, recorder Recorder, cfg Config, log zerolog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		sender:   sender,
		recorder: recorder,
		cfg:      cfg,
		limiter:  ratelimit.NewTokenBucket(cfg.PerMinute, cfg.Burst),
		log:      log.With().Str("component", "notify").Logger(),
		now:      time.Now,
		dedup:    make(map[string]time.Time),
	}
}

func (n *Notifier) Notify(ctx context.Context, msg Message) Result {
	var res Result
	switch {
	case n.isDeduped(msg.DedupKey):
		res = Result{Status: StatusSuppressed}
	case !n.limiter.Allow() && !n.limiter.WaitForToken(n.cfg.MaxWait):
		res = Result{Status: StatusLimited}
	default:
		res = n.send(ctx, msg)
	}
	n.record(msg, res)
	return res
}

func (n *Notifier) send(ctx context.Context, msg Message) Result {
	if n.sender == nil {
		return Result{Status: StatusSuppressed}
	}
	reply, err := n.sender.Send(ctx, msg)
	if err != nil {
		return Result{Status: StatusFailed, Error: err}
	}
	status := reply.Status()
	if status == StatusSent {
		return Result{Status: status}
	}
	return Result{
		Status:  status,
		ErrCode: reply.ErrCode,
		ErrMsg:  reply.ErrMsg,
		Error:   fmt.Errorf("webhook replied %d: %s", reply.ErrCode, reply.ErrMsg),
	}
}

func (n *Notifier) isDeduped(key string) bool {
	if key == "" || n.cfg.DedupWindow <= 0 {
		return false
	}
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.dedup[key]; ok && now.Sub(last) <= n.cfg.DedupWindow {
		return true
	}
	n.dedup[key] = now
	for k, t := range n.dedup {
		if now.Sub(t) > n.cfg.DedupWindow {
			delete(n.dedup, k)
		}
	}
	return false
}

func (n *Notifier) record(msg Message, res Result) {
	if res.Error != nil {
		n.log.Warn().Err(res.Error).Str("title", msg.Title).Msg("notification failed")
	}
	if n.recorder == nil {
		return
	}
	// keep the body whenever a request went out
	payload := ""
	switch {
	case res.Status == StatusSent, res.Status == StatusFailed, res.Status == StatusRejected, res.ErrCode != 0:
		payload = msg.Markdown
	}
	errMsg := res.ErrMsg
	if errMsg == "" && res.Error != nil {
		errMsg = res.Error.Error()
	}
	err := n.recorder.InsertNotification(store.NotificationRecord{
		TS:        n.now().Unix(),
		Kind:      msg.Kind,
		Title:     msg.Title,
		DedupKey:  msg.DedupKey,
		Status:    string(res.Status),
		Channel:   channelWebhook,
		ErrCode:   res.ErrCode,
		ErrMsg:    errMsg,
		PayloadMD: payload,
	})
	if err != nil {
		n.log.Error().Err(err).Msg("insert notification record failed")
	}
}

// RunFailed is meant for orchestrator.Options.OnFailed. Failures of the same
// workflow with the same error type share a dedup key.
func (n *Notifier) RunFailed(info orchestrator.RunInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()
	n.Notify(ctx, FailureMessage(info))
}

func FailureMessage(info orchestrator.RunInfo) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** failed after %d attempt(s)\n\n", info.Workflow, info.Attempts)
	fmt.Fprintf(&b, "- run: `%s`\n", info.ID)
	if len(info.Input) > 0 {
		fmt.Fprintf(&b, "- input: `%s`\n", string(info.Input))
	}
	fmt.Fprintf(&b, "- error: %s: %s\n", info.ErrorType, info.ErrorMessage)
	run := NewRunFailure(info)
	return Message{
		Kind:     "workflow_failed",
		Run:      &run,
		Title:    fmt.Sprintf("%s failed: %s", info.Workflow, info.ErrorType),
		Markdown: b.String(),
		DedupKey: info.Workflow + ":" + info.ErrorType + ":" + string(info.Input),
	}
}

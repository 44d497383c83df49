package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttai-workers/internal/orchestrator"
	"ttai-workers/internal/store"
)

type delivery struct {
	raw       []byte
	payload   Payload
	timestamp string
	signature string
}

type captured struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (c *captured) all() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.deliveries...)
}

// webhookServer replies with errcode, or with an empty body when errcode < 0.
func webhookServer(t *testing.T, errcode int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		d := delivery{
			raw:       raw,
			timestamp: r.Header.Get(HeaderTimestamp),
			signature: r.Header.Get(HeaderSignature),
		}
		_ = json.Unmarshal(raw, &d.payload)
		c.mu.Lock()
		c.deliveries = append(c.deliveries, d)
		c.mu.Unlock()
		if errcode < 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(Reply{ErrCode: errcode, ErrMsg: "ok"})
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestWebhookSignsBody(t *testing.T) {
	srv, got := webhookServer(t, 0)
	w := NewWebhook(srv.URL+"/hooks/ttai", "s3cret", time.Second)
	w.now = func() time.Time { return time.Unix(1700000000, 0) }

	reply, err := w.Send(context.Background(), Message{Kind: "workflow_failed", Title: "title", Markdown: "**body**"})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, reply.Status())

	ds := got.all()
	require.Len(t, ds, 1)
	assert.Equal(t, "markdown", ds[0].payload.MsgType)
	assert.Equal(t, "workflow_failed", ds[0].payload.Kind)
	assert.Equal(t, MarkdownSection{Title: "title", Text: "**body**"}, ds[0].payload.Markdown)
	assert.Nil(t, ds[0].payload.Run)
	assert.Equal(t, "1700000000", ds[0].timestamp)
	assert.Equal(t, Signature("s3cret", "1700000000", ds[0].raw), ds[0].signature)
	assert.NotEqual(t, Signature("other", "1700000000", ds[0].raw), ds[0].signature)
}

func TestWebhookWithoutSecret(t *testing.T) {
	srv, got := webhookServer(t, 0)
	_, err := NewWebhook(srv.URL, "", 0).Send(context.Background(), Message{Title: "t"})
	require.NoError(t, err)
	assert.Empty(t, got.all()[0].signature)
	assert.Empty(t, got.all()[0].timestamp)

	_, err = NewWebhook("", "", 0).Send(context.Background(), Message{Title: "t"})
	assert.ErrorIs(t, err, errNoEndpoint)
}

func TestWebhookEmptyReplyIsSent(t *testing.T) {
	srv, _ := webhookServer(t, -1)
	reply, err := NewWebhook(srv.URL, "", time.Second).Send(context.Background(), Message{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, reply.Status())
}

func TestWebhookHTTPStatus(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusTooManyRequests)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))
	t.Cleanup(srv.Close)
	w := NewWebhook(srv.URL, "", time.Second)

	reply, err := w.Send(context.Background(), Message{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusLimited, reply.Status())

	code.Store(http.StatusBadGateway)
	_, err = w.Send(context.Background(), Message{Title: "t"})
	assert.ErrorContains(t, err, "502")
}

func TestReplyStatus(t *testing.T) {
	cases := map[int]Status{
		CodeOK:       StatusSent,
		CodeTooFast:  StatusLimited,
		CodeRejected: StatusRejected,
		300001:       StatusFailed,
		-1:           StatusFailed,
	}
	for code, want := range cases {
		assert.Equal(t, want, Reply{ErrCode: code}.Status(), "errcode %d", code)
	}
}

func TestNotifierDedupAndRecord(t *testing.T) {
	srv, got := webhookServer(t, 0)
	st, err := store.Open(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	defer st.Close()

	n := New(NewWebhook(srv.URL, "", time.Second), st, Config{DedupWindow: time.Minute}, zerolog.Nop())
	msg := Message{Kind: "workflow_failed", Title: "GetQuoteWorkflow failed", Markdown: "x", DedupKey: "k1"}

	assert.Equal(t, StatusSent, n.Notify(context.Background(), msg).Status)
	assert.Equal(t, StatusSuppressed, n.Notify(context.Background(), msg).Status)
	assert.Len(t, got.all(), 1)

	recs, err := st.QueryNotificationsByDedupKey("k1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	statuses := []string{recs[0].Status, recs[1].Status}
	assert.ElementsMatch(t, []string{"sent", "suppressed"}, statuses)
}

func TestNotifierDedupExpires(t *testing.T) {
	srv, got := webhookServer(t, 0)
	now := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	n := New(NewWebhook(srv.URL, "", time.Second), nil, Config{DedupWindow: time.Minute}, zerolog.Nop())
	n.now = func() time.Time { return now }

	msg := Message{Title: "t", DedupKey: "k"}
	n.Notify(context.Background(), msg)
	now = now.Add(2 * time.Minute)
	assert.Equal(t, StatusSent, n.Notify(context.Background(), msg).Status)
	assert.Len(t, got.all(), 2)
}

func TestNotifierRateLimited(t *testing.T) {
	srv, got := webhookServer(t, 0)
	n := New(NewWebhook(srv.URL, "", time.Second), nil, Config{PerMinute: 1, Burst: 1}, zerolog.Nop())

	assert.Equal(t, StatusSent, n.Notify(context.Background(), Message{Title: "a"}).Status)
	assert.Equal(t, StatusLimited, n.Notify(context.Background(), Message{Title: "b"}).Status)
	assert.Len(t, got.all(), 1)
}

func TestNotifierWebhookReplyCodes(t *testing.T) {
	cases := []struct {
		errcode int
		want    Status
	}{
		{CodeRejected, StatusRejected},
		{CodeTooFast, StatusLimited},
		{500, StatusFailed},
	}
	for _, tc := range cases {
		srv, _ := webhookServer(t, tc.errcode)
		st, err := store.Open(filepath.Join(t.TempDir(), "notify.db"))
		require.NoError(t, err)
		n := New(NewWebhook(srv.URL, "", time.Second), st, Config{}, zerolog.Nop())

		res := n.Notify(context.Background(), Message{Title: "a", Markdown: "body", DedupKey: "k"})
		assert.Equal(t, tc.want, res.Status)
		assert.Equal(t, tc.errcode, res.ErrCode)
		assert.Error(t, res.Error)

		recs, err := st.QueryNotificationsByDedupKey("k")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, string(tc.want), recs[0].Status)
		assert.Equal(t, tc.errcode, recs[0].ErrCode)
		assert.Equal(t, "body", recs[0].PayloadMD)
		_ = st.Close()
	}
}

func TestRunFailed(t *testing.T) {
	srv, got := webhookServer(t, 0)
	n := New(NewWebhook(srv.URL, "", time.Second), nil, Config{DedupWindow: time.Minute}, zerolog.Nop())

	info := orchestrator.RunInfo{
		ID:           "run-1",
		Workflow:     "GetQuoteWorkflow",
		Attempts:     1,
		Input:        json.RawMessage(`{"symbol":"INVALID"}`),
		ErrorType:    "QuoteNotFound",
		ErrorMessage: "no quote data returned for INVALID",
	}
	n.RunFailed(info)
	info.ID = "run-2"
	n.RunFailed(info)

	ds := got.all()
	require.Len(t, ds, 1)
	p := ds[0].payload
	assert.Equal(t, "workflow_failed", p.Kind)
	assert.Equal(t, "GetQuoteWorkflow failed: QuoteNotFound", p.Markdown.Title)
	assert.Contains(t, p.Markdown.Text, "INVALID")
	require.NotNil(t, p.Run)
	assert.Equal(t, RunFailure{ID: "run-1", Workflow: "GetQuoteWorkflow", ErrorType: "QuoteNotFound", Attempts: 1}, *p.Run)
}

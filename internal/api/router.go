package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/rs/zerolog"

	"ttai-workers/internal/activity"
	"ttai-workers/internal/cache"
	"ttai-workers/internal/database"
	"ttai-workers/internal/orchestrator"
	"ttai-workers/internal/store"
	"ttai-workers/internal/workflows"
)

const (
	defaultResultWait = 35 * time.Second
	maxResultWait     = 5 * time.Minute
)

// Deps are the services behind the HTTP API. Store and DB may be nil.
type Deps struct {
	Engine    *orchestrator.Engine
	Quotes    *cache.QuoteCache
	Store     *store.Store
	DB        *database.Client
	Watchlist []string
	Log       zerolog.Logger
}

type SubmitRequest struct {
	Workflow string          `json:"workflow"`
	ID       string          `json:"id,omitempty"`
	Input    json.RawMessage `json:"input"`
}

func RegisterRoutes(r *route.Engine, d Deps) {
	log := d.Log.With().Str("component", "api").Logger()

	r.GET("/healthz", func(ctx context.Context, c *app.RequestContext) {
		checks := map[string]string{}
		ok := true
		check := func(name string, required bool, fn func() error) {
			if err := fn(); err != nil {
				checks[name] = err.Error()
				if required {
					ok = false
				}
				return
			}
			checks[name] = "ok"
		}
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if d.Quotes != nil {
			check("cache", true, func() error { return d.Quotes.Store().Ping(pctx) })
		}
		if d.Store != nil {
			check("store", true, d.Store.Ping)
		}
		if d.DB != nil {
			check("database", false, func() error { return d.DB.Ping(pctx) })
		}
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, map[string]any{"ok": ok, "checks": checks})
	})

	r.POST("/api/v1/workflows", func(ctx context.Context, c *app.RequestContext) {
		var req SubmitRequest
		if err := c.BindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.Workflow == "" {
			fail(c, http.StatusBadRequest, "workflow is required")
			return
		}
		var input any = req.Input
		if len(req.Input) == 0 {
			input = map[string]any{}
		}
		h, err := d.Engine.Submit(ctx, orchestrator.StartOptions{ID: req.ID, Workflow: req.Workflow}, input)
		if err != nil {
			if errors.Is(err, orchestrator.ErrUnknownWorkflow) {
				fail(c, http.StatusBadRequest, err.Error())
				return
			}
			log.Error().Err(err).Str("workflow", req.Workflow).Msg("submit failed")
			fail(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		c.JSON(http.StatusAccepted, map[string]any{"ok": true, "id": h.ID})
	})

	r.GET("/api/v1/workflows", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			fail(c, http.StatusInternalServerError, "store not configured")
			return
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		offset, err := parseOffset(c.Query("offset"))
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		runs, err := d.Store.ListRuns(c.Query("status"), c.Query("workflow"), limit, offset)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		items := make([]orchestrator.RunInfo, 0, len(runs))
		for _, r := range runs {
			items = append(items, orchestrator.NewRunInfo(r))
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
	})

	r.GET("/api/v1/workflows/:id", func(_ context.Context, c *app.RequestContext) {
		info, err := d.Engine.Describe(c.Param("id"))
		if err != nil {
			failRun(c, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "run": info})
	})

	r.GET("/api/v1/workflows/:id/result", func(ctx context.Context, c *app.RequestContext) {
		wait, err := parseWait(c.Query("wait"))
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		var out json.RawMessage
		err = waitResult(ctx, d.Engine.GetHandle(c.Param("id")), wait, &out)
		writeResult(c, c.Param("id"), out, err)
	})

	r.POST("/api/v1/workflows/:id/cancel", func(_ context.Context, c *app.RequestContext) {
		if err := d.Engine.Cancel(c.Param("id")); err != nil {
			failRun(c, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true})
	})

	r.GET("/api/v1/quotes/:symbol", func(ctx context.Context, c *app.RequestContext) {
		wait, err := parseWait(c.Query("wait"))
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		h, err := workflows.SubmitGetQuote(ctx, d.Engine, "", c.Param("symbol"))
		if err != nil {
			fail(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		var out json.RawMessage
		err = waitResult(ctx, h, wait, &out)
		writeResult(c, h.ID, out, err)
	})

	r.GET("/api/v1/quotes", func(ctx context.Context, c *app.RequestContext) {
		symbols := parseSymbols(c.Query("symbols"), d.Watchlist)
		if len(symbols) == 0 {
			fail(c, http.StatusBadRequest, "symbols is empty")
			return
		}
		wait, err := parseWait(c.Query("wait"))
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		h, err := workflows.SubmitGetQuotes(ctx, d.Engine, "", symbols)
		if err != nil {
			fail(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		var out json.RawMessage
		err = waitResult(ctx, h, wait, &out)
		writeResult(c, h.ID, out, err)
	})

	r.DELETE("/api/v1/cache/quotes/:symbol", func(ctx context.Context, c *app.RequestContext) {
		if d.Quotes == nil {
			fail(c, http.StatusInternalServerError, "cache not configured")
			return
		}
		n, err := d.Quotes.Invalidate(ctx, c.Param("symbol"))
		if err != nil {
			fail(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "removed": n})
	})

	r.GET("/api/v1/snapshots", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			fail(c, http.StatusInternalServerError, "store not configured")
			return
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		offset, err := parseOffset(c.Query("offset"))
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
		items, err := d.Store.QueryQuoteSnapshots(symbol, limit, offset)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
	})

	r.GET("/api/v1/notifications/dedup/:key", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			fail(c, http.StatusInternalServerError, "store not configured")
			return
		}
		items, err := d.Store.QueryNotificationsByDedupKey(c.Param("key"))
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
	})
}

func fail(c *app.RequestContext, code int, msg string) {
	c.JSON(code, map[string]any{"ok": false, "error": msg})
}

func failRun(c *app.RequestContext, err error) {
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	fail(c, http.StatusInternalServerError, err.Error())
}

func waitResult(ctx context.Context, h *orchestrator.Handle, wait time.Duration, out any) error {
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return h.Result(wctx, out)
}

// writeResult maps a run outcome onto the response. A run still open when
// the wait runs out is reported with 202 so the caller can poll by id.
func writeResult(c *app.RequestContext, id string, out json.RawMessage, err error) {
	if err == nil {
		c.JSON(http.StatusOK, map[string]any{"ok": true, "id": id, "result": out})
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusAccepted, map[string]any{"ok": false, "id": id, "error": "result not ready"})
		return
	}
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	var ae *orchestrator.ApplicationError
	if !errors.As(err, &ae) {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(statusForErrorType(ae.Type), map[string]any{
		"ok":         false,
		"id":         id,
		"error_type": ae.Type,
		"error":      ae.Message,
		"attempts":   ae.Attempts,
	})
}

func statusForErrorType(typ string) int {
	switch typ {
	case activity.ErrQuoteNotFound:
		return http.StatusNotFound
	case activity.ErrInvalidSymbol, orchestrator.TypeEncoding:
		return http.StatusBadRequest
	case orchestrator.TypeCanceled:
		return http.StatusConflict
	case orchestrator.TypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 200, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if v > 1000 {
		return 1000, nil
	}
	return v, nil
}

func parseOffset(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid offset")
	}
	return v, nil
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultResultWait, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait")
	}
	if d > maxResultWait {
		return maxResultWait, nil
	}
	return d, nil
}

func parseSymbols(raw string, defaults []string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaults
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

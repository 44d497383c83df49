package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ttai-workers/internal/activity"
	"ttai-workers/internal/cache"
	"ttai-workers/internal/config"
	"ttai-workers/internal/database"
	"ttai-workers/internal/logger"
	"ttai-workers/internal/notify"
	"ttai-workers/internal/orchestrator"
	"ttai-workers/internal/ratelimit"
	"ttai-workers/internal/scheduler"
	"ttai-workers/internal/store"
	"ttai-workers/internal/tastytrade"
	"ttai-workers/internal/workflows"
)

// worker holds what setup built. Each component tags its own log lines, so
// they all receive the root logger.
type worker struct {
	kv     cache.Store
	quotes *cache.QuoteCache
	store  *store.Store
	db     *database.Client
	engine *orchestrator.Engine
	sched  *scheduler.Scheduler
	log    zerolog.Logger
}

func setup(ctx context.Context, cfg config.Config, log zerolog.Logger) (*worker, error) {
	w := &worker{log: log}
	kv, err := cache.Open(cache.Options{
		Backend:       cfg.Cache.Backend,
		RedisURL:      cfg.Cache.RedisURL,
		BoltPath:      cfg.Cache.BoltPath,
		DaemonNetwork: cfg.Cache.DaemonNetwork,
		DaemonAddress: cfg.Cache.DaemonAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	w.kv = kv
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := kv.Ping(pctx); err != nil {
		// lookups degrade to upstream fetches until the cache comes back
		log.Warn().Err(err).Str("backend", cfg.Cache.Backend).Msg("cache unreachable at startup")
	}
	cancel()
	w.quotes = cache.NewQuoteCache(kv, cfg.Cache.QuoteTTL())

	w.store, err = store.Open(cfg.Store.Sqlite.Path)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("store: %w", err)
	}

	w.db, err = database.Open(database.Options{
		URL:     cfg.Database.URL,
		MinConn: cfg.Database.MinConn,
		MaxConn: cfg.Database.MaxConn,
	})
	if err != nil && !errors.Is(err, database.ErrNotConfigured) {
		log.Warn().Err(err).Msg("database disabled")
	}

	timeout := time.Duration(cfg.Tastytrade.TimeoutMs) * time.Millisecond
	auth := tastytrade.NewAuthenticator(cfg.Tastytrade.BaseURL, cfg.Tastytrade.ClientSecret, cfg.Tastytrade.RefreshToken, timeout)
	upstream := tastytrade.NewClient(auth, tastytrade.Options{
		BaseURL: cfg.Tastytrade.BaseURL,
		Timeout: timeout,
		Limiter: ratelimit.NewTokenBucket(cfg.Tastytrade.RateLimit.PerMinute, cfg.Tastytrade.RateLimit.Burst),
	})

	var sender notify.Sender
	if cfg.Notify.Webhook != "" {
		sender = notify.NewWebhook(cfg.Notify.Webhook, cfg.Notify.Secret, time.Duration(cfg.Notify.TimeoutMs)*time.Millisecond)
	}
	notifier := notify.New(sender, w.store, notify.Config{
		DedupWindow: time.Duration(cfg.Notify.DedupWindowSec) * time.Second,
		PerMinute:   cfg.Notify.RateLimit.PerMinute,
		Burst:       cfg.Notify.RateLimit.Burst,
		Timeout:     time.Duration(cfg.Notify.TimeoutMs) * time.Millisecond,
	}, log)

	w.engine = orchestrator.NewEngine(orchestrator.Options{
		Namespace: cfg.Orchestrator.Namespace,
		TaskQueue: cfg.Orchestrator.TaskQueue,
		Workers:   cfg.Orchestrator.Workers,
		QueueSize: cfg.Orchestrator.QueueSize,
		Journal:   w.store,
		Logger:    log,
		OnFailed:  notifier.RunFailed,
	})
	acts := activity.New(w.quotes, upstream, w.store, log, activity.Options{
		AuthErrorsRetryable: cfg.Workflow.Quote.AuthErrorsRetryable,
		CoalesceMisses:      cfg.Workflow.Quote.CoalesceMisses,
	})
	workflows.Register(w.engine, acts, workflowConfig(cfg.Workflow.Quote))

	w.sched = scheduler.New(log)
	jobLog := logger.Component(log, "scheduler")
	if p, ok := kv.(cache.Purger); ok && cfg.Cache.PurgeSchedule != "" {
		if err := w.sched.AddJob(cfg.Cache.PurgeSchedule, &scheduler.CachePurgeJob{Purger: p, Log: jobLog}); err != nil {
			w.close()
			return nil, err
		}
	}
	if cfg.Retention.Schedule != "" {
		if err := w.sched.AddJob(cfg.Retention.Schedule, &scheduler.RetentionJob{
			Store:             w.store,
			RunRetention:      time.Duration(cfg.Retention.RunsHours) * time.Hour,
			SnapshotRetention: time.Duration(cfg.Retention.SnapshotsHours) * time.Hour,
			Log:               jobLog,
		}); err != nil {
			w.close()
			return nil, err
		}
	}
	return w, nil
}

func (w *worker) close() {
	if w.store != nil {
		if err := w.store.Close(); err != nil {
			w.log.Error().Err(err).Msg("store close failed")
		}
	}
	_ = w.db.Close()
	if w.kv != nil {
		_ = w.kv.Close()
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/grafana/pyroscope-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ttai-workers/internal/api"
	"ttai-workers/internal/config"
	"ttai-workers/internal/logger"
	"ttai-workers/internal/orchestrator"
	"ttai-workers/internal/workflows"
)

func main() {
	if err := config.LoadEnvFiles(config.DefaultEnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "env error: %v\n", err)
		os.Exit(1)
	}
	cfgPath := "configs/worker.yaml"
	if p := os.Getenv("TTAI_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker exited")
	}
	log.Info().Msg("worker stopped")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.AppName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags:            map[string]string{"task_queue": cfg.Orchestrator.TaskQueue},
		})
		if err != nil {
			log.Warn().Err(err).Msg("profiler disabled")
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	w, err := setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer w.close()

	w.engine.Start()
	defer w.engine.Stop()
	n, err := w.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	if n > 0 {
		log.Info().Int("runs", n).Msg("resumed open runs")
	}
	w.sched.Start()
	defer w.sched.Stop()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	h := server.Default(server.WithHostPorts(addr), server.WithExitWaitTime(2*time.Second))
	api.RegisterRoutes(h.Engine, api.Deps{
		Engine:    w.engine,
		Quotes:    w.quotes,
		Store:     w.store,
		DB:        w.db,
		Watchlist: cfg.Poller.Symbols,
		Log:       log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", addr).
			Str("namespace", w.engine.Namespace()).
			Str("task_queue", w.engine.TaskQueue()).
			Str("cache", cfg.Cache.Backend).
			Msg("worker starting")
		if err := h.Run(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.Shutdown(sctx)
	})
	if len(cfg.Poller.Symbols) > 0 && cfg.Poller.IntervalSec > 0 {
		poller := workflows.NewPoller(w.engine, cfg.Poller.Symbols, time.Duration(cfg.Poller.IntervalSec)*time.Second, log)
		g.Go(func() error { return poller.Run(gctx) })
	}
	return g.Wait()
}

func workflowConfig(c config.QuoteWorkflowConfig) workflows.Config {
	return workflows.Config{
		ActivityTimeout: time.Duration(c.ActivityTimeoutSec) * time.Second,
		RetryPolicy: orchestrator.RetryPolicy{
			InitialInterval:    time.Duration(c.Retry.InitialIntervalMs) * time.Millisecond,
			BackoffCoefficient: c.Retry.BackoffCoefficient,
			MaximumInterval:    time.Duration(c.Retry.MaximumIntervalSec) * time.Second,
			MaximumAttempts:    c.Retry.MaximumAttempts,
		},
		AuthErrorsRetryable: c.AuthErrorsRetryable,
	}
}

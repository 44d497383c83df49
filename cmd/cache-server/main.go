// Command cache-server serves a bbolt-backed quote cache over a local socket
// so several workers on one host can share it without Redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"ttai-workers/internal/cache"
	"ttai-workers/internal/config"
	"ttai-workers/internal/logger"
)

func main() {
	cfgPath := flag.String("config", "configs/worker.yaml", "config file")
	flag.Parse()

	_ = config.LoadEnvFiles(config.DefaultEnvFile)
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log := logger.Component(logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty}), "cache-server")

	if err := os.MkdirAll(filepath.Dir(cfg.Cache.BoltPath), 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data dir")
	}
	st, err := cache.OpenBolt(cfg.Cache.BoltPath, cache.BoltOptions{})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Cache.BoltPath).Msg("open bolt")
	}
	defer func() { _ = st.Close() }()

	network, address := cfg.Cache.DaemonNetwork, cfg.Cache.DaemonAddress
	if network == "unix" {
		_ = os.Remove(address)
	}
	l, err := net.Listen(network, address)
	if err != nil {
		log.Fatal().Err(err).Str("network", network).Str("address", address).Msg("listen")
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Cache.PurgeSchedule, func() {
		n, err := st.PurgeExpired()
		if err != nil {
			log.Error().Err(err).Msg("purge failed")
			return
		}
		if n > 0 {
			log.Debug().Int("entries", n).Msg("purged expired entries")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Cache.PurgeSchedule).Msg("bad purge schedule")
	}
	c.Start()
	defer func() {
		select {
		case <-c.Stop().Done():
		case <-time.After(5 * time.Second):
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("network", network).Str("address", address).Str("path", cfg.Cache.BoltPath).Msg("cache server listening")
	if err := cache.NewServer(st, log).Serve(ctx, l); err != nil {
		log.Error().Err(err).Msg("serve")
	}
	log.Info().Msg("cache server stopped")
}

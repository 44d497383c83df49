// Command datacheck verifies the worker's data layer: upstream credentials and
// quote fetches, the configured cache backend, and Postgres connectivity.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"ttai-workers/internal/cache"
	"ttai-workers/internal/config"
	"ttai-workers/internal/database"
	"ttai-workers/internal/logger"
	"ttai-workers/internal/tastytrade"
)

func main() {
	cfgPath := flag.String("config", "configs/worker.yaml", "config file")
	symbols := flag.String("symbols", "SPY,AAPL", "symbols to fetch")
	flag.Parse()

	_ = config.LoadEnvFiles(config.DefaultEnvFile)
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: "warn", Pretty: true})

	kv, err := cache.Open(cache.Options{
		Backend:       cfg.Cache.Backend,
		RedisURL:      cfg.Cache.RedisURL,
		BoltPath:      cfg.Cache.BoltPath,
		DaemonNetwork: cfg.Cache.DaemonNetwork,
		DaemonAddress: cfg.Cache.DaemonAddress,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("open cache")
	}
	defer func() { _ = kv.Close() }()

	db, err := database.Open(database.Options{URL: cfg.Database.URL, MinConn: 1, MaxConn: 2})
	if err != nil && !errors.Is(err, database.ErrNotConfigured) {
		log.Fatal().Err(err).Msg("open database")
	}
	defer func() { _ = db.Close() }()

	timeout := time.Duration(cfg.Tastytrade.TimeoutMs) * time.Millisecond
	auth := tastytrade.NewAuthenticator(cfg.Tastytrade.BaseURL, cfg.Tastytrade.ClientSecret, cfg.Tastytrade.RefreshToken, timeout)
	upstreamConfigured := cfg.Tastytrade.ClientSecret != "" && cfg.Tastytrade.RefreshToken != ""

	c := &checker{
		out:      os.Stdout,
		provider: tastytrade.NewClient(auth, tastytrade.Options{BaseURL: cfg.Tastytrade.BaseURL, Timeout: timeout}),
		quotes:   cache.NewQuoteCache(kv, cfg.Cache.QuoteTTL()),
		db:       db,
		symbols:  strings.Split(*symbols, ","),
	}

	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("TTAI data layer check")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("\nConfiguration:\n")
	fmt.Printf("  Cache backend: %s\n", cfg.Cache.Backend)
	fmt.Printf("  Database: %s\n", redactURL(cfg.Database.URL))
	fmt.Printf("  Upstream: %s\n", map[bool]string{true: "configured", false: "not configured"}[upstreamConfigured])

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := c.summary(c.run(ctx, upstreamConfigured)); err != nil {
		fmt.Println("\nSome checks failed. See the output above.")
		os.Exit(1)
	}
	fmt.Println("\nAll checks passed!")
}

// redactURL drops credentials from a connection URL.
func redactURL(u string) string {
	if i := strings.LastIndex(u, "@"); i >= 0 {
		return u[i+1:]
	}
	return u
}

package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendDaemon = "daemon"
)

type Options struct {
	Backend       string
	RedisURL      string
	BoltPath      string
	DaemonNetwork string
	DaemonAddress string
}

// Open constructs the backend named by opts.Backend. It does not ping it.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBolt:
		path := opts.BoltPath
		if path == "" {
			path = "data/quotes.bbolt"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		return OpenBolt(path, BoltOptions{})
	case BackendRedis:
		if opts.RedisURL == "" {
			return nil, fmt.Errorf("cache backend redis: empty url")
		}
		return OpenRedis(opts.RedisURL)
	case BackendDaemon:
		if opts.DaemonAddress == "" {
			return nil, fmt.Errorf("cache backend daemon: empty address")
		}
		return NewClient(opts.DaemonNetwork, opts.DaemonAddress), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}

// Package cache is the shared key/value layer in front of the quote upstream.
//
// Every backend honours the same contract: an entry read after its expiry
// instant behaves as absent, a ttl <= 0 means the entry never expires, and any
// transport or storage failure is reported as ErrUnavailable so callers can
// decide to fall through to the source of truth.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks failures of the cache itself (connection loss, I/O),
// as opposed to a miss.
var ErrUnavailable = errors.New("cache unavailable")

// Store is the minimal byte store with per-entry TTL.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// MGet is positional: the i-th result is nil when keys[i] is missing or expired.
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	// MSet applies the same ttl to every entry.
	MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by stores that keep expired entries around until
// they are read (memory, bolt). Redis expires keys on its own.
type Purger interface {
	PurgeExpired() (int, error)
}

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.op, e.err)
}

func (e *unavailableError) Unwrap() error { return e.err }

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *unavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &unavailableError{op: op, err: err}
}

// BatchGet partitions keys into hits and misses. Every key lands in exactly
// one of the two; misses keep the input order.
func BatchGet(ctx context.Context, s Store, keys []string) (map[string][]byte, []string, error) {
	hits := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return hits, nil, nil
	}
	values, err := s.MGet(ctx, keys)
	if err != nil {
		return nil, nil, err
	}
	if len(values) != len(keys) {
		return nil, nil, unavailable("mget", fmt.Errorf("got %d values for %d keys", len(values), len(keys)))
	}
	var misses []string
	for i, k := range keys {
		if values[i] == nil {
			misses = append(misses, k)
			continue
		}
		hits[k] = values[i]
	}
	return hits, misses, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(expireAt, now time.Time) bool {
	return !expireAt.IsZero() && !now.Before(expireAt)
}

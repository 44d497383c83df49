package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

type BoltOptions struct {
	// Bucket defaults to "quotes".
	Bucket string
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// BoltStore is a persistent Store on a single bbolt file.
// Value layout: 8 bytes big endian expiresAt (unix millis, 0 = never) || raw value.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
	now    func() time.Time
}

func OpenBolt(path string, opts BoltOptions) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, unavailable("open", err)
	}
	bucket := []byte("quotes")
	if opts.Bucket != "" {
		bucket = []byte(opts.Bucket)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, unavailable("open", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &BoltStore{db: db, bucket: bucket, now: now}, nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) encode(value []byte, ttl time.Duration) []byte {
	var expiresAt int64
	if exp := expiry(s.now(), ttl); !exp.IsZero() {
		expiresAt = exp.UnixMilli()
	}
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(expiresAt))
	copy(buf[8:], value)
	return buf
}

// decode returns the value and whether it is still live at nowMs.
func decodeBolt(raw []byte, nowMs int64) ([]byte, bool) {
	if len(raw) < 8 {
		return nil, false
	}
	expiresAt := int64(binary.BigEndian.Uint64(raw[:8]))
	if expiresAt > 0 && nowMs >= expiresAt {
		return nil, false
	}
	out := make([]byte, len(raw)-8)
	copy(out, raw[8:])
	return out, true
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	vals, err := s.MGet(ctx, []string{key})
	if err != nil {
		return nil, false, err
	}
	if vals[0] == nil {
		return nil, false, nil
	}
	return vals[0], true, nil
}

func (s *BoltStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.MSet(ctx, map[string][]byte{key: value}, ttl)
}

func (s *BoltStore) MGet(_ context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	nowMs := s.now().UnixMilli()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for i, k := range keys {
			if v, ok := decodeBolt(b.Get([]byte(k)), nowMs); ok {
				out[i] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("mget", err)
	}
	return out, nil
}

func (s *BoltStore) MSet(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for k, v := range entries {
			if err := b.Put([]byte(k), s.encode(v, ttl)); err != nil {
				return err
			}
		}
		return nil
	})
	return unavailable("mset", err)
}

func (s *BoltStore) Delete(_ context.Context, keys ...string) (int, error) {
	n := 0
	nowMs := s.now().UnixMilli()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, k := range keys {
			raw := b.Get([]byte(k))
			if raw == nil {
				continue
			}
			if _, live := decodeBolt(raw, nowMs); live {
				n++
			}
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("delete", err)
	}
	return n, nil
}

func (s *BoltStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *BoltStore) Ping(context.Context) error {
	if s == nil || s.db == nil {
		return unavailable("ping", errors.New("store closed"))
	}
	return unavailable("ping", s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(s.bucket) == nil {
			return errors.New("bucket missing")
		}
		return nil
	}))
}

func (s *BoltStore) PurgeExpired() (int, error) {
	n := 0
	nowMs := s.now().UnixMilli()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		var dead [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if _, live := decodeBolt(v, nowMs); !live {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(dead)
		return nil
	})
	if err != nil {
		return 0, unavailable("purge", err)
	}
	return n, nil
}

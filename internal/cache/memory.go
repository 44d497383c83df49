package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value    []byte
	expireAt time.Time // zero => no TTL
}

// MemoryStore is an in-process Store. Expired entries are dropped lazily on
// read and in bulk by PurgeExpired.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		items: make(map[string]memoryEntry),
		now:   now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	ent, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if expired(ent.expireAt, m.now()) {
		m.mu.Lock()
		if cur, ok := m.items[key]; ok && cur.expireAt.Equal(ent.expireAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return clone(ent.value), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryEntry{
		value:    clone(value),
		expireAt: expiry(m.now(), ttl),
	}
	return nil
}

func (m *MemoryStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, ok, _ := m.Get(ctx, k)
		if ok {
			out[i] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) MSet(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exp := expiry(m.now(), ttl)
	for k, v := range entries {
		m.items[k] = memoryEntry{value: clone(v), expireAt: exp}
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, k := range keys {
		ent, ok := m.items[k]
		if !ok {
			continue
		}
		delete(m.items, k)
		if !expired(ent.expireAt, now) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) PurgeExpired() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, ent := range m.items {
		if expired(ent.expireAt, now) {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

// Len counts stored entries, including expired ones not yet purged.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// clone never returns nil, so an empty value still reads as a hit.
func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

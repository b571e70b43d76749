package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryItem struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is a process-local Store backed by a bounded LRU.
type MemoryStore struct {
	items *lru.Cache[string, memoryItem]
	now   func() time.Time

	// mu makes multi-key Get/Set atomic; the LRU only locks per key.
	mu sync.Mutex
}

// NewMemoryStore creates a store holding at most maxSize keys
func NewMemoryStore(maxSize int) (*MemoryStore, error) {
	return NewMemoryStoreWithClock(maxSize, time.Now)
}

// NewMemoryStoreWithClock creates a store that reads time from now
func NewMemoryStoreWithClock(maxSize int, now func() time.Time) (*MemoryStore, error) {
	if maxSize <= 0 {
		maxSize = 128
	}
	if now == nil {
		now = time.Now
	}

	items, err := lru.New[string, memoryItem](maxSize)
	if err != nil {
		return nil, err
	}

	return &MemoryStore{items: items, now: now}, nil
}

// Get returns all values or ErrNotFound
func (m *MemoryStore) Get(ctx context.Context, keys ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	values := make([]string, 0, len(keys))
	for _, key := range keys {
		item, ok := m.items.Get(key)
		if !ok {
			return nil, ErrNotFound
		}
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			m.items.Remove(key)
			return nil, ErrNotFound
		}
		values = append(values, item.value)
	}

	return values, nil
}

// Set writes every value under one lock
func (m *MemoryStore) Set(ctx context.Context, values map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}

	for key, value := range values {
		m.items.Add(key, memoryItem{value: value, expiresAt: expiresAt})
	}

	return nil
}

// Delete removes keys
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		m.items.Remove(key)
	}
	return nil
}

// Close drops every entry
func (m *MemoryStore) Close() error {
	m.items.Purge()
	return nil
}

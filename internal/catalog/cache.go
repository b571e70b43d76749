package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/agatticelli/storefront-catalog/internal/platform/cache"
	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
)

// Persisted key names, before the configured prefix.
const (
	ProductsKey  = "catalog_products"
	TimestampKey = "catalog_timestamp"
)

// Tier names the cache layer an entry was served from.
type Tier string

const (
	TierMemory    Tier = "memory"
	TierPersisted Tier = "persisted"
)

// Entry is one cached catalog. It is replaced wholesale, never patched.
type Entry struct {
	Groups    []CategoryGroup
	FetchedAt int64 // epoch millis
}

// Time returns FetchedAt as a time.Time
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.FetchedAt)
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	Store      cache.Store
	KeyPrefix  string
	PersistTTL time.Duration // expiry set on the persisted keys; 0 for none

	// MemoryMaxAge bounds how long the memory tier is trusted. 0 keeps it
	// until invalidated.
	MemoryMaxAge time.Duration

	Clock   func() time.Time
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Cache holds the catalog in two tiers: process memory and a persisted
// Store shared with other processes.
type Cache struct {
	mu     sync.RWMutex
	memory *Entry

	store        cache.Store
	productsKey  string
	timestampKey string
	persistTTL   time.Duration
	memoryMaxAge time.Duration
	now          func() time.Time
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// NewCache creates an empty cache over store.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetrics()
	}

	return &Cache{
		store:        cfg.Store,
		productsKey:  cfg.KeyPrefix + ProductsKey,
		timestampKey: cfg.KeyPrefix + TimestampKey,
		persistTTL:   cfg.PersistTTL,
		memoryMaxAge: cfg.MemoryMaxAge,
		now:          cfg.Clock,
		logger:       cfg.Logger.Component("catalog-cache"),
		metrics:      cfg.Metrics,
	}
}

// Keys returns the two persisted keys, products first.
func (c *Cache) Keys() []string {
	return []string{c.productsKey, c.timestampKey}
}

// Get returns the memory entry if present, else a persisted entry younger
// than freshTTL, which is then copied into memory.
func (c *Cache) Get(ctx context.Context, freshTTL time.Duration) (Entry, Tier, bool) {
	if entry, ok := c.fromMemory(); ok {
		c.metrics.RecordCacheHit(ctx, string(TierMemory))
		return entry, TierMemory, true
	}
	c.metrics.RecordCacheMiss(ctx, string(TierMemory))

	entry, ok := c.fromStore(ctx, freshTTL)
	if !ok {
		c.metrics.RecordCacheMiss(ctx, string(TierPersisted))
		return Entry{}, "", false
	}
	c.metrics.RecordCacheHit(ctx, string(TierPersisted))

	c.mu.Lock()
	c.memory = &entry
	c.mu.Unlock()

	return entry, TierPersisted, true
}

func (c *Cache) fromMemory() (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.memory == nil {
		return Entry{}, false
	}
	if c.memoryMaxAge > 0 && c.now().Sub(c.memory.Time()) >= c.memoryMaxAge {
		return Entry{}, false
	}
	return *c.memory, true
}

func (c *Cache) fromStore(ctx context.Context, freshTTL time.Duration) (Entry, bool) {
	if c.store == nil {
		return Entry{}, false
	}

	values, err := c.store.Get(ctx, c.productsKey, c.timestampKey)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.LogWarn(ctx, "persisted catalog read failed", "error", err)
			c.metrics.RecordError(ctx, "cache_read")
		}
		return Entry{}, false
	}

	fetchedAt, err := strconv.ParseInt(values[1], 10, 64)
	if err != nil {
		c.logger.LogWarn(ctx, "persisted catalog timestamp unreadable", "value", values[1])
		return Entry{}, false
	}

	// Small negative ages come from clock skew between processes sharing
	// the store; anything beyond the TTL either way is stale.
	age := c.now().UnixMilli() - fetchedAt
	ttl := freshTTL.Milliseconds()
	if age >= ttl || age <= -ttl {
		c.logger.LogDebug(ctx, "persisted catalog stale", "age_ms", age)
		return Entry{}, false
	}

	var groups []CategoryGroup
	if err := json.Unmarshal([]byte(values[0]), &groups); err != nil {
		c.logger.LogWarn(ctx, "persisted catalog unreadable", "error", err)
		c.metrics.RecordError(ctx, "cache_decode")
		return Entry{}, false
	}
	if groups == nil {
		groups = []CategoryGroup{}
	}

	return Entry{Groups: groups, FetchedAt: fetchedAt}, true
}

// Set stores groups in both tiers stamped with the current time. The memory
// tier is always updated; a persisted write failure is returned.
func (c *Cache) Set(ctx context.Context, groups []CategoryGroup) (Entry, error) {
	if groups == nil {
		groups = []CategoryGroup{}
	}
	entry := Entry{Groups: groups, FetchedAt: c.now().UnixMilli()}

	c.mu.Lock()
	c.memory = &entry
	c.mu.Unlock()

	if c.store == nil {
		return entry, nil
	}

	payload, err := json.Marshal(groups)
	if err != nil {
		return entry, err
	}

	err = c.store.Set(ctx, map[string]string{
		c.productsKey:  string(payload),
		c.timestampKey: strconv.FormatInt(entry.FetchedAt, 10),
	}, c.persistTTL)
	return entry, err
}

// Invalidate clears both tiers.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.DropMemory()

	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, c.productsKey, c.timestampKey)
}

// DropMemory clears only the memory tier.
func (c *Cache) DropMemory() {
	c.mu.Lock()
	c.memory = nil
	c.mu.Unlock()
}

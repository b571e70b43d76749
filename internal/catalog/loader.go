// Package catalog loads the product catalog, groups it by category and
// caches it in memory and in a persisted store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
	"github.com/agatticelli/storefront-catalog/internal/platform/resilience"
	"github.com/agatticelli/storefront-catalog/internal/source"
)

var (
	// ErrNoData is returned when a guard declines to fetch and nothing is cached
	ErrNoData = errors.New("catalog: no data available")

	// ErrLoadFailed is returned when the fetch failed for any reason
	ErrLoadFailed = errors.New("catalog: load failed")
)

// Fetcher returns the flat product list.
type Fetcher interface {
	FetchProducts(ctx context.Context) ([]source.Product, error)
}

// Mode selects what a load does while a fetch is in flight.
type Mode string

const (
	// ModeCoalesce waits for the in-flight fetch and shares its result
	ModeCoalesce Mode = "coalesce"
	// ModeSkip returns ErrNoData immediately
	ModeSkip Mode = "skip"
)

// State of the loader.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
)

const flightKey = "catalog"

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	FreshTTL         time.Duration // max age of a persisted entry served without fetching
	MinFetchInterval time.Duration // min time between unforced fetch attempts
	Mode             Mode

	// EchoWindow is how long a removal event for a key this loader deleted
	// itself is treated as its own echo and ignored. Default 5s.
	EchoWindow time.Duration

	Clock   func() time.Time
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// Loader serves the grouped catalog, fetching through Fetcher only when the
// cache cannot answer and the guards allow it.
type Loader struct {
	fetcher  Fetcher
	grouper  *Grouper
	cache    *Cache
	limiter  *resilience.RateLimiter
	freshTTL time.Duration
	mode     Mode
	now      func() time.Time

	echoWindow time.Duration
	// ownDeletes maps persisted keys this loader deleted to the end of their
	// echo window. Guarded by mu.
	ownDeletes map[string]time.Time

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer

	flights singleflight.Group

	// mu guards the flight bookkeeping below. joinable is true while the
	// flight registered under flightKey is running and may be shared.
	mu       sync.Mutex
	joinable bool
	flightID uint64

	active atomic.Int32  // fetches in progress, forced ones included
	gen    atomic.Uint64 // bumped by every invalidation
	ready  atomic.Bool

	// writeMu orders cache writes against invalidations
	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[uint64]Listener
	nextID      uint64
}

// NewLoader creates a Loader.
func NewLoader(fetcher Fetcher, grouper *Grouper, cache *Cache, cfg LoaderConfig) *Loader {
	if cfg.FreshTTL <= 0 {
		cfg.FreshTTL = 60 * time.Second
	}
	if cfg.MinFetchInterval <= 0 {
		cfg.MinFetchInterval = 2 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeCoalesce
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Loader{
		fetcher:   fetcher,
		grouper:   grouper,
		cache:     cache,
		limiter:   resilience.NewMinIntervalLimiter(cfg.MinFetchInterval, cfg.Clock),
		freshTTL:  cfg.FreshTTL,
		mode:      cfg.Mode,
		now:       cfg.Clock,

		echoWindow: cfg.EchoWindow,
		ownDeletes: make(map[string]time.Time),

		logger:    cfg.Logger.Component("catalog-loader"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		listeners: make(map[uint64]Listener),
	}
}

// Load returns the grouped catalog. Without forceRefresh it answers, in
// order: join the in-flight fetch (or ErrNoData in skip mode), the memory
// tier, a fresh persisted entry, ErrNoData if the last attempt was too
// recent, and otherwise a new fetch. forceRefresh always fetches.
//
// The returned slice is shared with the cache and other callers and must
// not be modified.
func (l *Loader) Load(ctx context.Context, forceRefresh bool) ([]CategoryGroup, error) {
	ctx, span := l.tracer.StartSpan(ctx, "catalog.Load",
		observability.WithAttributes(attribute.Bool("catalog.force_refresh", forceRefresh)))
	defer span.End()

	groups, outcome, err := l.load(ctx, forceRefresh)

	span.SetAttributes(attribute.String("catalog.outcome", outcome))
	l.metrics.RecordLoad(ctx, outcome)
	if err == nil {
		l.ready.Store(true)
	} else if !errors.Is(err, ErrNoData) {
		span.NoticeError(err)
	}

	return groups, err
}

func (l *Loader) load(ctx context.Context, forceRefresh bool) ([]CategoryGroup, string, error) {
	if forceRefresh {
		l.mu.Lock()
		l.limiter.Consume()
		ch := l.startLocked(ctx)
		l.mu.Unlock()

		l.logger.LogDebug(ctx, "forced catalog fetch")
		return l.wait(ctx, ch, "fetched")
	}

	l.mu.Lock()
	ch, outcome, joined := l.joinLocked(ctx)
	l.mu.Unlock()
	if joined {
		return l.wait(ctx, ch, outcome)
	}

	if entry, tier, ok := l.cache.Get(ctx, l.freshTTL); ok {
		l.logger.LogDebug(ctx, "catalog served from cache", "tier", string(tier))
		return entry.Groups, "hit_" + string(tier), nil
	}

	l.mu.Lock()
	// A fetch may have started while the cache was read
	ch, outcome, joined = l.joinLocked(ctx)
	if !joined {
		if !l.limiter.Allow() {
			l.mu.Unlock()
			l.logger.LogDebug(ctx, "catalog fetch skipped: attempted too recently")
			return nil, "rate_limited", ErrNoData
		}
		ch, outcome = l.startLocked(ctx), "fetched"
	}
	l.mu.Unlock()

	return l.wait(ctx, ch, outcome)
}

// joinLocked handles the in-flight guard; joined is false when no joinable
// fetch is running. In skip mode the returned channel already holds
// ErrNoData. Caller must hold l.mu.
func (l *Loader) joinLocked(ctx context.Context) (ch <-chan singleflight.Result, outcome string, joined bool) {
	if !l.joinable {
		return nil, "", false
	}
	if l.mode == ModeSkip {
		l.logger.LogDebug(ctx, "catalog fetch skipped: already in flight")
		return resultOf(ErrNoData), "skipped_inflight", true
	}
	// The registered flight clears joinable under l.mu before it returns,
	// so DoChan joins it here and never runs this fallback.
	return l.flights.DoChan(flightKey, func() (any, error) {
		return nil, ErrNoData
	}), "coalesced", true
}

func resultOf(err error) <-chan singleflight.Result {
	ch := make(chan singleflight.Result, 1)
	ch <- singleflight.Result{Err: err}
	return ch
}

// startLocked registers a new flight. Caller must hold l.mu.
func (l *Loader) startLocked(ctx context.Context) <-chan singleflight.Result {
	l.flights.Forget(flightKey)
	l.flightID++
	id := l.flightID
	gen := l.gen.Load()
	l.joinable = true
	l.active.Add(1)

	// Shared by every waiter, so it must outlive the caller that started it
	detached := context.WithoutCancel(ctx)

	return l.flights.DoChan(flightKey, func() (any, error) {
		defer func() {
			l.mu.Lock()
			if l.flightID == id {
				l.joinable = false
			}
			l.mu.Unlock()
			l.active.Add(-1)
		}()
		return l.fetch(detached, gen)
	})
}

func (l *Loader) wait(ctx context.Context, ch <-chan singleflight.Result, outcome string) ([]CategoryGroup, string, error) {
	select {
	case res := <-ch:
		if errors.Is(res.Err, ErrNoData) {
			return nil, outcome, res.Err
		}
		if res.Err != nil {
			return nil, "failed", res.Err
		}
		return res.Val.([]CategoryGroup), outcome, nil
	case <-ctx.Done():
		return nil, "cancelled", ctx.Err()
	}
}

func (l *Loader) fetch(ctx context.Context, gen uint64) ([]CategoryGroup, error) {
	ctx, span := l.tracer.StartSpan(ctx, "catalog.fetch")
	defer span.End()

	start := l.now()
	products, err := l.fetcher.FetchProducts(ctx)
	if err != nil {
		l.metrics.RecordFetch(ctx, l.now().Sub(start), false, 0, 0)
		l.logger.LogError(ctx, "catalog fetch failed", err, "kind", source.ErrorKind(err))
		span.NoticeError(err)
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	groups := l.grouper.Group(products)
	l.metrics.RecordFetch(ctx, l.now().Sub(start), true, len(groups), len(products))
	span.SetAttributes(
		attribute.Int("catalog.products", len(products)),
		attribute.Int("catalog.categories", len(groups)))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.gen.Load() != gen {
		l.logger.LogInfo(ctx, "catalog invalidated during fetch; result not cached")
		return groups, nil
	}

	if _, err := l.cache.Set(ctx, groups); err != nil {
		l.logger.LogWarn(ctx, "persisted catalog write failed", "error", err)
		l.metrics.RecordError(ctx, "cache_write")
	}

	l.logger.LogInfo(ctx, "catalog fetched",
		"categories", len(groups),
		"products", len(products),
		"duration", l.now().Sub(start))

	return groups, nil
}

// Invalidate clears both cache tiers and the fetch-interval guard, then
// notifies listeners. The next Load fetches regardless of timestamps. A
// fetch already in flight still answers its waiters but is not cached.
func (l *Loader) Invalidate(ctx context.Context, src string) error {
	return l.invalidate(ctx, src, true)
}

// HandleExternalRemoval reacts to the persisted keys being removed by
// another process: it drops the memory tier and notifies listeners. The
// first removal event per key after this loader's own delete is that
// delete's echo and is ignored.
func (l *Loader) HandleExternalRemoval(ctx context.Context, key string) {
	if l.consumeOwnDelete(key) {
		l.logger.LogDebug(ctx, "ignoring removal of persisted key deleted by this process", "key", key)
		return
	}
	l.logger.LogInfo(ctx, "persisted catalog removed externally", "key", key)
	_ = l.invalidate(ctx, SourceExternal, false)
}

func (l *Loader) consumeOwnDelete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	deadline, ok := l.ownDeletes[key]
	if !ok {
		return false
	}
	delete(l.ownDeletes, key)
	return l.now().Before(deadline)
}

func (l *Loader) invalidate(ctx context.Context, src string, persisted bool) error {
	l.mu.Lock()
	l.flights.Forget(flightKey)
	l.joinable = false
	if persisted {
		// Recorded before the delete so an early echo is recognised
		deadline := l.now().Add(l.echoWindow)
		for _, key := range l.cache.Keys() {
			l.ownDeletes[key] = deadline
		}
	}
	l.mu.Unlock()

	var err error
	l.writeMu.Lock()
	l.gen.Add(1)
	if persisted {
		err = l.cache.Invalidate(ctx)
	} else {
		l.cache.DropMemory()
	}
	l.writeMu.Unlock()

	l.limiter.Reset()
	l.metrics.RecordInvalidation(ctx, src)

	if err != nil {
		l.logger.LogError(ctx, "persisted catalog delete failed", err, "source", src)
		l.metrics.RecordError(ctx, "cache_delete")
	} else {
		l.logger.LogInfo(ctx, "catalog cache invalidated", "source", src)
	}

	l.notify(ctx, InvalidationEvent{Source: src, At: l.now()})
	return err
}

// Subscribe registers listener for invalidations and returns a function
// that removes it.
func (l *Loader) Subscribe(listener Listener) (unsubscribe func()) {
	l.listenersMu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = listener
	l.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.listenersMu.Lock()
			delete(l.listeners, id)
			l.listenersMu.Unlock()
		})
	}
}

func (l *Loader) notify(ctx context.Context, ev InvalidationEvent) {
	l.listenersMu.RLock()
	listeners := make([]Listener, 0, len(l.listeners))
	for _, listener := range l.listeners {
		listeners = append(listeners, listener)
	}
	l.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener.CatalogInvalidated(ctx, ev)
	}
}

// State reports whether a fetch is running.
func (l *Loader) State() State {
	if l.active.Load() > 0 {
		return StateFetching
	}
	return StateIdle
}

// Ready reports whether the loader has answered with data at least once.
func (l *Loader) Ready() bool {
	return l.ready.Load()
}

// Name implements cache.WarmupProvider.
func (l *Loader) Name() string {
	return "catalog"
}

// Warmup implements cache.WarmupProvider by loading the catalog once.
func (l *Loader) Warmup(ctx context.Context) error {
	if _, err := l.Load(ctx, false); err != nil {
		return fmt.Errorf("catalog warmup: %w", err)
	}
	return nil
}

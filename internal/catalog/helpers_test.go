package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agatticelli/storefront-catalog/internal/platform/cache"
	"github.com/agatticelli/storefront-catalog/internal/source"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeFetcher returns canned products. When block is set each call signals
// started and then waits for release to be closed.
type fakeFetcher struct {
	mu       sync.Mutex
	products []source.Product
	err      error
	calls    int
	block    bool
	started  chan struct{}
	release  chan struct{}
}

func newFakeFetcher(products ...source.Product) *fakeFetcher {
	return &fakeFetcher{
		products: products,
		started:  make(chan struct{}, 16),
		release:  make(chan struct{}),
	}
}

func (f *fakeFetcher) FetchProducts(ctx context.Context) ([]source.Product, error) {
	f.mu.Lock()
	f.calls++
	products, err, block := f.products, f.err, f.block
	f.mu.Unlock()

	if block {
		f.started <- struct{}{}
		<-f.release
	}
	return products, err
}

func (f *fakeFetcher) set(products []source.Product, err error) {
	f.mu.Lock()
	f.products, f.err = products, err
	f.mu.Unlock()
}

func (f *fakeFetcher) setBlocking(block bool) {
	f.mu.Lock()
	f.block = block
	f.mu.Unlock()
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func product(id int64, category string) source.Product {
	return source.Product{
		ID:           id,
		Name:         "Фигурка",
		Description:  "Шоколадная фигурка",
		Price:        decimal.NewFromInt(100 * id),
		CategoryName: category,
	}
}

type harness struct {
	loader  *Loader
	cache   *Cache
	store   *cache.MemoryStore
	fetcher *fakeFetcher
	clock   *fakeClock
}

func newHarness(t *testing.T, mode Mode, products ...source.Product) *harness {
	t.Helper()

	clock := newFakeClock()
	store, err := cache.NewMemoryStoreWithClock(16, clock.Now)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}

	c := NewCache(CacheConfig{Store: store, KeyPrefix: "test:", Clock: clock.Now})
	fetcher := newFakeFetcher(products...)
	loader := NewLoader(fetcher, NewGrouper(GrouperConfig{}), c, LoaderConfig{
		FreshTTL:         60 * time.Second,
		MinFetchInterval: 2 * time.Second,
		Mode:             mode,
		Clock:            clock.Now,
	})

	return &harness{loader: loader, cache: c, store: store, fetcher: fetcher, clock: clock}
}

func ids(groups []CategoryGroup) map[int64]int {
	out := make(map[int64]int)
	for _, g := range groups {
		for _, p := range g.Products {
			out[p.ID]++
		}
	}
	return out
}

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/agatticelli/storefront-catalog/internal/platform/cache"
	"github.com/agatticelli/storefront-catalog/internal/source"
)

func TestLoad_FetchesAndCachesBothTiers(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"), product(2, "Milk"))
	ctx := context.Background()

	groups, err := h.loader.Load(ctx, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	values, err := h.store.Get(ctx, "test:catalog_products", "test:catalog_timestamp")
	if err != nil {
		t.Fatalf("persisted entry missing: %v", err)
	}
	if values[1] != strconv.FormatInt(h.clock.Now().UnixMilli(), 10) {
		t.Errorf("timestamp should be the fetch time in millis, got %s", values[1])
	}

	// Second call within the rate-limit window is served from memory
	if _, err := h.loader.Load(ctx, false); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if h.fetcher.Calls() != 1 {
		t.Errorf("expected 1 fetch, got %d", h.fetcher.Calls())
	}
	if !h.loader.Ready() || h.loader.State() != StateIdle {
		t.Errorf("expected ready and idle, got ready=%v state=%s", h.loader.Ready(), h.loader.State())
	}

	t.Log("✓ Fetch stores memory and persisted tiers")
}

func TestLoad_RateLimitedWithoutCache(t *testing.T) {
	h := newHarness(t, ModeCoalesce)
	h.fetcher.set(nil, errors.New("backend down"))
	ctx := context.Background()

	if _, err := h.loader.Load(ctx, false); !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}

	h.clock.Advance(1999 * time.Millisecond)
	if _, err := h.loader.Load(ctx, false); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData within 2s, got %v", err)
	}
	if h.fetcher.Calls() != 1 {
		t.Errorf("rate-limited load must not fetch, calls=%d", h.fetcher.Calls())
	}

	h.clock.Advance(time.Millisecond)
	h.fetcher.set([]source.Product{product(1, "Dark")}, nil)
	if _, err := h.loader.Load(ctx, false); err != nil {
		t.Fatalf("expected fetch after interval, got %v", err)
	}
	if h.fetcher.Calls() != 2 {
		t.Errorf("expected 2 fetches, got %d", h.fetcher.Calls())
	}

	t.Log("✓ Second attempt within 2s returns no data")
}

func persist(t *testing.T, h *harness, groups []CategoryGroup, fetchedAt time.Time) {
	t.Helper()
	payload, err := json.Marshal(groups)
	if err != nil {
		t.Fatal(err)
	}
	err = h.store.Set(context.Background(), map[string]string{
		"test:catalog_products":  string(payload),
		"test:catalog_timestamp": strconv.FormatInt(fetchedAt.UnixMilli(), 10),
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
}

func TestLoad_FreshPersistedEntryServedWithoutFetch(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(9, "Remote"))
	ctx := context.Background()

	stored := []CategoryGroup{{Title: "Dark", Products: []Product{{ID: 1}}}}
	persist(t, h, stored, h.clock.Now().Add(-59*time.Second))

	groups, err := h.loader.Load(ctx, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(groups) != 1 || groups[0].Title != "Dark" {
		t.Errorf("expected persisted groups, got %+v", groups)
	}
	if h.fetcher.Calls() != 0 {
		t.Errorf("fresh persisted entry must not trigger a fetch, calls=%d", h.fetcher.Calls())
	}

	// Memory was backfilled: removing the store keys does not matter now
	_ = h.store.Delete(ctx, "test:catalog_products", "test:catalog_timestamp")
	if groups, _ := h.loader.Load(ctx, false); len(groups) != 1 {
		t.Errorf("expected memory hit, got %+v", groups)
	}

	t.Log("✓ Persisted entry younger than 60s is served")
}

func TestLoad_StalePersistedEntryRefetches(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(9, "Remote"))

	persist(t, h, []CategoryGroup{{Title: "Old"}}, h.clock.Now().Add(-60*time.Second))

	groups, err := h.loader.Load(context.Background(), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.fetcher.Calls() != 1 || groups[0].Title != "Remote" {
		t.Errorf("expected a fetch replacing the stale entry, calls=%d groups=%+v", h.fetcher.Calls(), groups)
	}
}

func TestLoad_UnreadablePersistedEntryRefetches(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(9, "Remote"))
	ctx := context.Background()

	_ = h.store.Set(ctx, map[string]string{
		"test:catalog_products":  "[]",
		"test:catalog_timestamp": "not-a-number",
	}, 0)

	if _, err := h.loader.Load(ctx, false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.fetcher.Calls() != 1 {
		t.Errorf("expected fetch, calls=%d", h.fetcher.Calls())
	}
}

func TestInvalidate_NextLoadFetches(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"))
	ctx := context.Background()

	if _, err := h.loader.Load(ctx, false); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := h.loader.Invalidate(ctx, SourceManual); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := h.store.Get(ctx, "test:catalog_products"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("persisted products key should be gone, got %v", err)
	}
	if _, err := h.store.Get(ctx, "test:catalog_timestamp"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("persisted timestamp key should be gone, got %v", err)
	}

	// Still inside the 2s window: invalidation resets the guard
	if _, err := h.loader.Load(ctx, false); err != nil {
		t.Fatalf("Load after invalidate: %v", err)
	}
	if h.fetcher.Calls() != 2 {
		t.Errorf("expected fresh fetch after invalidate, calls=%d", h.fetcher.Calls())
	}

	t.Log("✓ Invalidate forces the next load to fetch")
}

func TestLoad_FailedFetchLeavesCacheUnchanged(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"))
	ctx := context.Background()

	before, err := h.loader.Load(ctx, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	persistedBefore, _ := h.store.Get(ctx, "test:catalog_products", "test:catalog_timestamp")

	h.clock.Advance(5 * time.Second)
	h.fetcher.set(nil, errors.New("502 from backend"))

	_, err = h.loader.Load(ctx, true)
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}

	after, err := h.loader.Load(ctx, false)
	if err != nil {
		t.Fatalf("Load after failure: %v", err)
	}
	if after[0].Title != before[0].Title || len(after) != len(before) {
		t.Errorf("cached groups changed after failed fetch")
	}
	persistedAfter, _ := h.store.Get(ctx, "test:catalog_products", "test:catalog_timestamp")
	if persistedAfter[1] != persistedBefore[1] {
		t.Errorf("persisted timestamp changed: %s -> %s", persistedBefore[1], persistedAfter[1])
	}

	t.Log("✓ Failed fetch keeps the previous entry")
}

func TestLoad_EmptyCatalogIsNotFailure(t *testing.T) {
	h := newHarness(t, ModeCoalesce)

	groups, err := h.loader.Load(context.Background(), false)
	if err != nil {
		t.Fatalf("empty catalog must not be an error, got %v", err)
	}
	if groups == nil || len(groups) != 0 {
		t.Errorf("expected empty non-nil groups, got %#v", groups)
	}
}

func TestLoad_ForceRefreshBypassesGuards(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"))
	ctx := context.Background()

	_, _ = h.loader.Load(ctx, false)
	h.fetcher.set([]source.Product{product(1, "Dark"), product(2, "Milk")}, nil)

	groups, err := h.loader.Load(ctx, true)
	if err != nil {
		t.Fatalf("forced Load: %v", err)
	}
	if len(groups) != 2 || h.fetcher.Calls() != 2 {
		t.Errorf("forced load must fetch, calls=%d groups=%d", h.fetcher.Calls(), len(groups))
	}

	// The forced fetch counts as an attempt for the interval guard
	_ = h.loader.Invalidate(ctx, SourceManual)
	_, _ = h.loader.Load(ctx, true)
	h.cache.DropMemory()
	_ = h.store.Delete(ctx, h.cache.Keys()...)
	if _, err := h.loader.Load(ctx, false); !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData right after a forced fetch, got %v", err)
	}
}

func TestLoad_CoalescesConcurrentCallers(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"), product(2, "Dark"))
	h.fetcher.setBlocking(true)
	ctx := context.Background()

	type result struct {
		groups []CategoryGroup
		err    error
	}
	results := make(chan result, 6)

	go func() {
		g, err := h.loader.Load(ctx, false)
		results <- result{g, err}
	}()
	<-h.fetcher.started

	if h.loader.State() != StateFetching {
		t.Errorf("expected fetching state, got %s", h.loader.State())
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := h.loader.Load(ctx, false)
			results <- result{g, err}
		}()
	}

	close(h.fetcher.release)
	wg.Wait()

	for i := 0; i < 6; i++ {
		r := <-results
		if r.err != nil {
			t.Errorf("caller %d: %v", i, r.err)
			continue
		}
		if ids(r.groups)[1] != 1 || ids(r.groups)[2] != 1 {
			t.Errorf("caller %d got %+v", i, r.groups)
		}
	}
	if h.fetcher.Calls() != 1 {
		t.Errorf("expected a single fetch, got %d", h.fetcher.Calls())
	}

	t.Log("✓ Concurrent callers share one fetch")
}

func TestLoad_SkipModeReturnsNoDataWhileInFlight(t *testing.T) {
	h := newHarness(t, ModeSkip, product(1, "Dark"))
	h.fetcher.setBlocking(true)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.loader.Load(ctx, false)
		done <- err
	}()
	<-h.fetcher.started

	if _, err := h.loader.Load(ctx, false); !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData while in flight, got %v", err)
	}

	close(h.fetcher.release)
	if err := <-done; err != nil {
		t.Errorf("leader: %v", err)
	}
	if h.fetcher.Calls() != 1 {
		t.Errorf("expected 1 fetch, got %d", h.fetcher.Calls())
	}
}

func TestInvalidate_DuringFetchIsNotOverwritten(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"))
	h.fetcher.setBlocking(true)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.loader.Load(ctx, false)
		done <- err
	}()
	<-h.fetcher.started

	if err := h.loader.Invalidate(ctx, SourceAPI); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	close(h.fetcher.release)

	if err := <-done; err != nil {
		t.Fatalf("leader: %v", err)
	}
	if _, _, ok := h.cache.Get(ctx, time.Minute); ok {
		t.Error("result of a fetch started before invalidation must not be cached")
	}

	h.fetcher.setBlocking(false)
	if _, err := h.loader.Load(ctx, false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.fetcher.Calls() != 2 {
		t.Errorf("expected a new fetch after invalidation, got %d", h.fetcher.Calls())
	}
}

func TestLoad_CallerCancellationDoesNotAbortFetch(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"))
	h.fetcher.setBlocking(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.loader.Load(ctx, false)
		done <- err
	}()
	<-h.fetcher.started

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(h.fetcher.release)

	groups, err := h.loader.Load(context.Background(), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(groups) != 1 || h.fetcher.Calls() != 1 {
		t.Errorf("detached fetch should have completed and been shared, calls=%d", h.fetcher.Calls())
	}
}

func TestSubscribe_NotifiedOnInvalidate(t *testing.T) {
	h := newHarness(t, ModeCoalesce)
	ctx := context.Background()

	var mu sync.Mutex
	var events []InvalidationEvent
	unsubscribe := h.loader.Subscribe(ListenerFunc(func(ctx context.Context, ev InvalidationEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	_ = h.loader.Invalidate(ctx, SourceAPI)
	unsubscribe()
	unsubscribe()
	_ = h.loader.Invalidate(ctx, SourceManual)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Source != SourceAPI || !events[0].At.Equal(h.clock.Now()) {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestHandleExternalRemoval_DropsMemoryOnly(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"))
	ctx := context.Background()

	var got []string
	h.loader.Subscribe(ListenerFunc(func(ctx context.Context, ev InvalidationEvent) {
		got = append(got, ev.Source)
	}))

	if _, err := h.loader.Load(ctx, false); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Another process rewrote the persisted entry and then the memory tier is dropped
	persist(t, h, []CategoryGroup{{Title: "Shared"}}, h.clock.Now())
	h.loader.HandleExternalRemoval(ctx, "test:catalog_products")

	groups, err := h.loader.Load(ctx, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if groups[0].Title != "Shared" {
		t.Errorf("expected the persisted entry after memory drop, got %+v", groups)
	}
	if len(got) != 1 || got[0] != SourceExternal {
		t.Errorf("expected one external event, got %v", got)
	}
}

func TestHandleExternalRemoval_IgnoresEchoOfOwnDelete(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"))
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	h.loader.Subscribe(ListenerFunc(func(ctx context.Context, ev InvalidationEvent) {
		mu.Lock()
		got = append(got, ev.Source)
		mu.Unlock()
	}))

	if _, err := h.loader.Load(ctx, false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := h.loader.Invalidate(ctx, SourceAPI); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	h.fetcher.setBlocking(true)
	done := make(chan error, 1)
	go func() {
		_, err := h.loader.Load(ctx, false)
		done <- err
	}()
	<-h.fetcher.started

	// The keyspace watcher reports our own DEL of both keys mid-refetch
	h.loader.HandleExternalRemoval(ctx, "test:catalog_products")
	h.loader.HandleExternalRemoval(ctx, "test:catalog_timestamp")

	close(h.fetcher.release)
	if err := <-done; err != nil {
		t.Fatalf("refetch: %v", err)
	}

	h.fetcher.setBlocking(false)
	if _, err := h.loader.Load(ctx, false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if calls := h.fetcher.Calls(); calls != 2 {
		t.Errorf("refetch after invalidation must be cached, fetches=%d", calls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != SourceAPI {
		t.Errorf("expected only the api invalidation, got %v", got)
	}

	t.Log("✓ own deletes are not treated as external removals")
}

func TestHandleExternalRemoval_AfterEchoIsExternal(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"))
	ctx := context.Background()

	var got []string
	h.loader.Subscribe(ListenerFunc(func(ctx context.Context, ev InvalidationEvent) {
		got = append(got, ev.Source)
	}))

	_ = h.loader.Invalidate(ctx, SourceAPI)

	// Echo consumed, then a second removal of the same key is real
	h.loader.HandleExternalRemoval(ctx, "test:catalog_products")
	h.loader.HandleExternalRemoval(ctx, "test:catalog_products")

	// Echo window elapsed for the other key
	h.clock.Advance(6 * time.Second)
	h.loader.HandleExternalRemoval(ctx, "test:catalog_timestamp")

	want := []string{SourceAPI, SourceExternal, SourceExternal}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestWarmup(t *testing.T) {
	h := newHarness(t, ModeCoalesce, product(1, "Dark"))
	if h.loader.Name() != "catalog" {
		t.Errorf("unexpected name %q", h.loader.Name())
	}
	if err := h.loader.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if !h.loader.Ready() {
		t.Error("expected ready after warmup")
	}

	failing := newHarness(t, ModeCoalesce)
	failing.fetcher.set(nil, errors.New("down"))
	if err := failing.loader.Warmup(context.Background()); !errors.Is(err, ErrLoadFailed) {
		t.Errorf("expected wrapped ErrLoadFailed, got %v", err)
	}
}

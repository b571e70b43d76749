package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// newTestRedis connects to CATALOG_TEST_REDIS_ADDR or skips.
func newTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("CATALOG_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CATALOG_TEST_REDIS_ADDR not set")
	}

	store, err := NewRedisStore(context.Background(), RedisConfig{Addr: addr, EnableKeyspaceEvents: true})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store := newTestRedis(t)
	ctx := context.Background()
	keys := []string{"test:redis:products", "test:redis:timestamp"}
	t.Cleanup(func() { _ = store.Delete(ctx, keys...) })

	if err := store.Set(ctx, map[string]string{keys[0]: "[]", keys[1]: "1700000000000"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	values, err := store.Get(ctx, keys...)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if values[0] != "[]" || values[1] != "1700000000000" {
		t.Errorf("unexpected values %v", values)
	}

	if err := store.Delete(ctx, keys[1]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, keys...); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound with one key missing, got %v", err)
	}

	t.Log("✓ redis multi-key set/get/delete")
}

func TestRedisStore_Ping(t *testing.T) {
	store := newTestRedis(t)

	var pinger Pinger = store
	if err := pinger.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	_ = store.Close()
	if err := pinger.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail on a closed client")
	}
}

func TestRedisStore_WatchDeletes(t *testing.T) {
	store := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := "test:redis:watched"
	if err := store.Set(ctx, map[string]string{key: "x"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	removed := make(chan string, 1)
	go func() {
		_ = store.WatchDeletes(ctx, []string{key}, func(k string) { removed <- k })
	}()

	// Give the subscription time to register
	time.Sleep(200 * time.Millisecond)
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	select {
	case k := <-removed:
		if k != key {
			t.Errorf("expected %q, got %q", key, k)
		}
	case <-ctx.Done():
		t.Fatal("no removal observed")
	}
}

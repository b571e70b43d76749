package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
	"github.com/agatticelli/storefront-catalog/internal/platform/resilience"
)

type stubProvider struct {
	name  string
	err   error
	calls atomic.Int32
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Warmup(ctx context.Context) error {
	p.calls.Add(1)
	return p.err
}

type flakyProvider struct {
	failures int
	calls    int
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) Warmup(ctx context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("backend starting")
	}
	return nil
}

func TestWarmer_ParallelCollectsEveryResult(t *testing.T) {
	w := NewWarmer(observability.NewNopLogger(), WarmupConfig{Timeout: time.Second})
	ok := &stubProvider{name: "catalog"}
	bad := &stubProvider{name: "broken", err: errors.New("boom")}
	w.RegisterProvider(ok)
	w.RegisterProvider(bad)

	results := w.Warmup(context.Background())

	if len(results.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results.Results))
	}
	if !results.HasErrors() || results.Errors != 1 {
		t.Errorf("Expected 1 error, got %d", results.Errors)
	}
	if results.Results[0].Provider != "catalog" || results.Results[0].Err != nil {
		t.Errorf("Unexpected first result %+v", results.Results[0])
	}
	if ok.calls.Load() != 1 || bad.calls.Load() != 1 {
		t.Error("Expected each provider to run once")
	}
}

func TestWarmer_RetriesFailingProvider(t *testing.T) {
	w := NewWarmer(observability.NewNopLogger(), WarmupConfig{
		Timeout: time.Second,
		Retry:   resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	flaky := &flakyProvider{failures: 2}
	w.RegisterProvider(flaky)

	results := w.Warmup(context.Background())

	if results.HasErrors() {
		t.Fatalf("Expected warmup to recover, got %+v", results.Results)
	}
	if got := results.Results[0].Attempts; got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}

	t.Log("✓ failing provider retried until it succeeds")
}

func TestWarmer_StopsRetryingOnPermanentError(t *testing.T) {
	w := NewWarmer(observability.NewNopLogger(), WarmupConfig{
		Timeout: time.Second,
		Retry:   resilience.RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond},
	})
	p := &stubProvider{name: "broken", err: resilience.Permanent(errors.New("bad config"))}
	w.RegisterProvider(p)

	results := w.Warmup(context.Background())

	if results.Errors != 1 || p.calls.Load() != 1 {
		t.Errorf("Expected one failed attempt, got errors=%d calls=%d", results.Errors, p.calls.Load())
	}
}

func TestWarmer_NoProviders(t *testing.T) {
	w := NewWarmer(observability.NewNopLogger(), DefaultWarmupConfig())
	if results := w.Warmup(context.Background()); results.HasErrors() || len(results.Results) != 0 {
		t.Errorf("Expected empty results, got %+v", results)
	}
}

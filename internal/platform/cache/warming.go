package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
	"github.com/agatticelli/storefront-catalog/internal/platform/resilience"
)

// WarmupProvider fills a cache before the service starts answering.
// Warmup may be called more than once.
type WarmupProvider interface {
	Name() string
	Warmup(ctx context.Context) error
}

// WarmupConfig bounds startup warming.
type WarmupConfig struct {
	// Timeout bounds the whole warmup, retries included.
	Timeout time.Duration

	// Retry is applied per provider. MaxAttempts 0 means a single attempt.
	Retry resilience.RetryConfig
}

// DefaultWarmupConfig gives a cold backend a few seconds to come up.
// BaseDelay stays at or above the catalog's minimum fetch interval.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Timeout: 30 * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    10 * time.Second,
			Jitter:      0.2,
		},
	}
}

// WarmupResult is the outcome of one provider.
type WarmupResult struct {
	Provider string
	Attempts int
	Duration time.Duration
	Err      error
}

// WarmupResults lists provider outcomes in registration order.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration
	Errors    int
}

// HasErrors reports whether any provider still failed after its retries.
func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Warmer runs registered providers concurrently at startup.
type Warmer struct {
	mu        sync.Mutex
	providers []WarmupProvider
	logger    *observability.Logger
	config    WarmupConfig
}

// NewWarmer creates a warmer.
func NewWarmer(logger *observability.Logger, config WarmupConfig) *Warmer {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Warmer{
		logger: logger.Component("warmer"),
		config: config,
	}
}

// RegisterProvider adds a provider.
func (w *Warmer) RegisterProvider(provider WarmupProvider) {
	w.mu.Lock()
	w.providers = append(w.providers, provider)
	w.mu.Unlock()
}

// Warmup runs every provider and never fails itself; callers decide what a
// failed provider means.
func (w *Warmer) Warmup(ctx context.Context) *WarmupResults {
	w.mu.Lock()
	providers := append([]WarmupProvider(nil), w.providers...)
	w.mu.Unlock()

	start := time.Now()
	out := &WarmupResults{Results: make([]WarmupResult, len(providers))}
	if len(providers) == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	// Provider errors stay in their slot so one failure leaves the rest running
	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			out.Results[i] = w.run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out.Results {
		if r.Err != nil {
			out.Errors++
		}
	}
	out.TotalTime = time.Since(start)

	log := w.logger.LogInfo
	if out.Errors > 0 {
		log = w.logger.LogWarn
	}
	log(ctx, "cache warmup finished",
		"providers", len(providers),
		"errors", out.Errors,
		"duration", out.TotalTime)

	return out
}

func (w *Warmer) run(ctx context.Context, p WarmupProvider) WarmupResult {
	res := WarmupResult{Provider: p.Name()}
	start := time.Now()

	res.Err = resilience.RetryIf(ctx, w.config.Retry, resilience.IsRetryable, func(ctx context.Context) error {
		res.Attempts++
		err := p.Warmup(ctx)
		if err != nil {
			w.logger.LogDebug(ctx, "warmup attempt failed",
				"provider", res.Provider, "attempt", res.Attempts, "error", err)
		}
		return err
	})
	res.Duration = time.Since(start)

	if res.Err != nil {
		w.logger.LogWarn(ctx, "cache warmup failed",
			"provider", res.Provider, "attempts", res.Attempts, "error", res.Err)
	}
	return res
}

package notification

import (
	"context"

	"github.com/agatticelli/storefront-catalog/internal/catalog"
	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
)

// NoOpPublisher logs invalidations instead of publishing them.
// Used when no SNS topic is configured (local development, testing).
type NoOpPublisher struct {
	logger *observability.Logger
}

// NewNoOpPublisher creates a publisher that only logs.
func NewNoOpPublisher(logger *observability.Logger) *NoOpPublisher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &NoOpPublisher{logger: logger}
}

// CatalogInvalidated implements catalog.Listener.
func (p *NoOpPublisher) CatalogInvalidated(ctx context.Context, ev catalog.InvalidationEvent) {
	p.logger.LogInfo(ctx, "catalog invalidated (SNS disabled)",
		"source", ev.Source,
		"at", ev.At,
	)
}

// Health reports a disabled publisher.
func (p *NoOpPublisher) Health() Health {
	return Health{CircuitState: "closed"}
}

// Close is a no-op.
func (p *NoOpPublisher) Close() {}

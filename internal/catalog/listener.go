package catalog

import (
	"context"
	"time"
)

// Invalidation sources
const (
	SourceAPI      = "api"      // POST /api/catalog/invalidate
	SourceManual   = "manual"   // in-process callers
	SourceExternal = "external" // persisted keys removed by another process
)

// InvalidationEvent tells listeners the catalog was dropped.
type InvalidationEvent struct {
	Source string
	At     time.Time
}

// Listener is notified after every invalidation.
type Listener interface {
	CatalogInvalidated(ctx context.Context, ev InvalidationEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev InvalidationEvent)

// CatalogInvalidated calls f.
func (f ListenerFunc) CatalogInvalidated(ctx context.Context, ev InvalidationEvent) {
	f(ctx, ev)
}

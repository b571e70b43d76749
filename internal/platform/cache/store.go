// Package cache holds the persisted tier backends for the catalog: a
// process-local LRU, Redis and DynamoDB. Multi-key writes are atomic so
// readers never see a payload paired with another payload's timestamp.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when any requested key is missing or expired
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidValue is returned when a stored value cannot be decoded
	ErrInvalidValue = errors.New("cache: invalid value")
)

// Store is a string key/value store with all-or-nothing multi-key reads and
// atomic multi-key writes.
type Store interface {
	// Get returns the values for keys in order, or ErrNotFound if any is absent.
	Get(ctx context.Context, keys ...string) ([]string, error)

	// Set writes all values at once. A zero ttl means no expiry.
	Set(ctx context.Context, values map[string]string, ttl time.Duration) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases the backend connection
	Close() error
}

// DeleteWatcher is implemented by stores that can report keys removed by
// another process.
type DeleteWatcher interface {
	// WatchDeletes calls fn for every removal or expiry of one of keys until
	// ctx is done.
	WatchDeletes(ctx context.Context, keys []string, fn func(key string)) error
}

// Pinger is implemented by stores behind a network connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

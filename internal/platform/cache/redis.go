package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// EnableKeyspaceEvents turns on generic and expiry keyspace notifications
	// on the server so WatchDeletes receives events.
	EnableKeyspaceEvents bool
}

// RedisStore implements Store on a shared Redis instance
type RedisStore struct {
	client *redis.Client
	db     int
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.EnableKeyspaceEvents {
		// K: keyspace channel, g: generic commands (DEL), x: expiry
		if err := client.ConfigSet(pingCtx, "notify-keyspace-events", "Kgx").Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to enable keyspace events: %w", err)
		}
	}

	return NewRedisStoreFromClient(client, cfg.DB), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, db int) *RedisStore {
	return &RedisStore{client: client, db: db}
}

// Get reads all keys with one MGET
func (r *RedisStore) Get(ctx context.Context, keys ...string) ([]string, error) {
	raw, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis mget error: %w", err)
	}

	values := make([]string, len(raw))
	for i, v := range raw {
		if v == nil {
			return nil, ErrNotFound
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: key %s has type %T", ErrInvalidValue, keys[i], v)
		}
		values[i] = s
	}

	return values, nil
}

// Set writes every key inside MULTI/EXEC
func (r *RedisStore) Set(ctx context.Context, values map[string]string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range values {
			pipe.Set(ctx, key, value, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Delete removes keys in one DEL
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

// WatchDeletes subscribes to keyspace notifications for keys and calls fn on
// every del or expired event. It blocks until ctx is done.
func (r *RedisStore) WatchDeletes(ctx context.Context, keys []string, fn func(key string)) error {
	prefix := fmt.Sprintf("__keyspace@%d__:", r.db)
	channels := make([]string, len(keys))
	for i, key := range keys {
		channels[i] = prefix + key
	}

	pubsub := r.client.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// Wait for the subscription confirmation so errors surface here
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe error: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			switch msg.Payload {
			case "del", "expired":
				fn(strings.TrimPrefix(msg.Channel, prefix))
			}
		}
	}
}

// Ping checks if Redis is reachable. Reported by the health endpoint.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

package cache

import (
	"context"
	"time"
)

// Store is the shared (L2) tier of the cache. Implementations provide
// single-key atomicity only.
type Store interface {
	Name() string

	// Get returns ok=false for missing or expired keys.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/rotki/nftkit/sonic"
)

// GetJSON decodes the value at key into T. An undecodable value is removed
// and reported as a miss.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var v T
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := sonic.Config.Unmarshal(data, &v); err != nil {
		c.log.Warn("dropping undecodable cache entry", slog.String("key", key), slog.Any("err", err))
		_ = c.Delete(ctx, key)
		return v, false, nil
	}
	return v, true, nil
}

// GetStaleJSON is GetJSON against the stale copy of key.
func GetStaleJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	v, ok, err := GetJSON[T](ctx, c, StaleKey(key))
	if ok {
		c.staleHits.Add(1)
	}
	return v, ok, err
}

func SetJSON(ctx context.Context, c *Cache, key string, v any, ttl time.Duration) error {
	data, err := sonic.Config.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// SetJSONWithStale is SetJSON plus the stale copy.
func SetJSONWithStale(ctx context.Context, c *Cache, key string, v any, ttl, staleTTL time.Duration) error {
	data, err := sonic.Config.Marshal(v)
	if err != nil {
		return err
	}
	return c.SetWithStale(ctx, key, data, ttl, staleTTL)
}

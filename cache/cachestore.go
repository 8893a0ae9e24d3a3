package cache

import (
	"context"
	"fmt"
	"time"

	rediscache "github.com/goware/cachestore-redis"
	cachestore "github.com/goware/cachestore2"
)

type RedisConfig struct {
	Host    string `toml:"host" json:"host"`
	Port    uint16 `toml:"port" json:"port"`
	DBIndex int    `toml:"db_index" json:"dbIndex"`
}

// NewRedisStore opens a redis-backed L2 store.
func NewRedisStore(cfg RedisConfig) (Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("cache: redis host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	backend, err := rediscache.NewBackend(&rediscache.Config{
		Enabled: true,
		Host:    cfg.Host,
		Port:    cfg.Port,
		DBIndex: cfg.DBIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: open redis backend: %w", err)
	}
	return NewCachestoreStore("redis", backend), nil
}

// NewCachestoreStore adapts any cachestore backend into a Store.
func NewCachestoreStore(name string, backend cachestore.Backend) Store {
	return &cachestoreStore{
		name:  name,
		store: cachestore.OpenStore[[]byte](backend),
	}
}

type cachestoreStore struct {
	name  string
	store cachestore.Store[[]byte]
}

func (s *cachestoreStore) Name() string {
	return s.name
}

func (s *cachestoreStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.store.Get(ctx, key)
}

func (s *cachestoreStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.store.Delete(ctx, key)
	}
	return s.store.SetEx(ctx, key, value, ttl)
}

func (s *cachestoreStore) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}

func (s *cachestoreStore) DeletePrefix(ctx context.Context, prefix string) error {
	return s.store.DeletePrefix(ctx, prefix)
}

func (s *cachestoreStore) Close() error {
	return nil
}

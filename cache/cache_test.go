package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotki/nftkit/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapStore is an in-memory L2 used to observe tier interaction.
type mapStore struct {
	mu      sync.Mutex
	entries map[string]mapEntry
	gets    int
}

type mapEntry struct {
	value     []byte
	expiresAt time.Time
}

func newMapStore() *mapStore {
	return &mapStore{entries: map[string]mapEntry{}}
}

func (s *mapStore) Name() string { return "map" }

func (s *mapStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *mapStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = mapEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *mapStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *mapStore) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.entries, k)
		}
	}
	return nil
}

func (s *mapStore) Close() error { return nil }

func TestKey(t *testing.T) {
	key := cache.Key(cache.NamespaceTier, "0xABCdef", "3", "5")
	assert.Equal(t, "tier:0xabcdef:3:5", key)
	assert.Equal(t, "stale:tier:0xabcdef:3:5", cache.StaleKey(key))
	assert.Equal(t, "tier:0xabcdef:", cache.Prefix(cache.NamespaceTier, "0xABCDEF"))
}

func TestGetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.Options{})

	require.NoError(t, c.Set(ctx, "meta:a", []byte("hello"), time.Minute))

	v1, ok1, err := c.Get(ctx, "meta:a")
	require.NoError(t, err)
	v2, ok2, err := c.Get(ctx, "meta:a")
	require.NoError(t, err)
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, v1, v2)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.Options{})

	require.NoError(t, c.Set(ctx, "release:x", []byte("3"), 50*time.Millisecond))
	_, ok, _ := c.Get(ctx, "release:x")
	assert.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok, _ = c.Get(ctx, "release:x")
	assert.False(t, ok)

	// a zero ttl is a delete
	require.NoError(t, c.Set(ctx, "release:y", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "release:y", []byte("1"), 0))
	_, ok, _ = c.Get(ctx, "release:y")
	assert.False(t, ok)
}

func TestL2BackfillsL1(t *testing.T) {
	ctx := context.Background()
	l2 := newMapStore()
	writer := cache.New(cache.Options{L2: l2})
	c := cache.New(cache.Options{
		L2:    l2,
		L1TTL: map[cache.Namespace]time.Duration{cache.NamespaceTier: 30 * time.Millisecond},
	})

	require.NoError(t, writer.Set(ctx, "tier:a:1:5", []byte("supply"), time.Hour))

	v, ok, err := c.Get(ctx, "tier:a:1:5")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("supply"), v)
	assert.Equal(t, 1, l2.gets)

	// served from L1 now
	_, ok, _ = c.Get(ctx, "tier:a:1:5")
	assert.True(t, ok)
	assert.Equal(t, 1, l2.gets)

	// L1 expires on its namespace ttl, L2 still answers
	time.Sleep(50 * time.Millisecond)
	_, ok, _ = c.Get(ctx, "tier:a:1:5")
	assert.True(t, ok)
	assert.Equal(t, 2, l2.gets)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.L1Hits)
	assert.EqualValues(t, 2, stats.L2Hits)
}

func TestSharedL2RespectsEntryTTL(t *testing.T) {
	ctx := context.Background()
	store, err := cache.OpenPebbleStore("", nil)
	require.NoError(t, err)
	defer store.Close()

	// the readers keep L1 entries for an hour unless told otherwise
	a := cache.New(cache.Options{L2: store, L1DefaultTTL: time.Hour})
	b := cache.New(cache.Options{L2: store, L1DefaultTTL: time.Hour})

	require.NoError(t, a.Set(ctx, "release:0xabc", []byte("3"), 200*time.Millisecond))

	time.Sleep(100 * time.Millisecond)
	v, ok, err := b.Get(ctx, "release:0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("3"), v)

	time.Sleep(150 * time.Millisecond)
	for _, c := range []*cache.Cache{a, b} {
		_, ok, err = c.Get(ctx, "release:0xabc")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestL2ValueWithoutEnvelopeIsAMiss(t *testing.T) {
	ctx := context.Background()
	l2 := newMapStore()
	c := cache.New(cache.Options{L2: l2})

	require.NoError(t, l2.Set(ctx, "token:1", []byte("raw"), time.Hour))
	_, ok, err := c.Get(ctx, "token:1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = l2.Get(ctx, "token:1")
	assert.False(t, ok)
}

func TestStaleNamespace(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.Options{})

	require.NoError(t, cache.SetJSONWithStale(ctx, c, "release:0xabc", 7, 30*time.Millisecond, time.Hour))
	time.Sleep(50 * time.Millisecond)

	_, ok, err := cache.GetJSON[int](ctx, c, "release:0xabc")
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err := cache.GetStaleJSON[int](ctx, c, "release:0xabc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.EqualValues(t, 1, c.Stats().StaleHits)
}

func TestDeletePrefixIsolatesNamespaces(t *testing.T) {
	ctx := context.Background()
	l2 := newMapStore()
	c := cache.New(cache.Options{L2: l2})

	require.NoError(t, c.Set(ctx, cache.Key(cache.NamespaceTier, "0xa", "1", "1"), []byte("a"), time.Hour))
	require.NoError(t, c.Set(ctx, cache.Key(cache.NamespaceTier, "0xb", "1", "1"), []byte("b"), time.Hour))
	require.NoError(t, c.Set(ctx, cache.Key(cache.NamespaceMetadata, "0xa"), []byte("m"), time.Hour))

	require.NoError(t, c.DeletePrefix(ctx, cache.Prefix(cache.NamespaceTier, "0xa")))

	_, ok, _ := c.Get(ctx, cache.Key(cache.NamespaceTier, "0xa", "1", "1"))
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, cache.Key(cache.NamespaceTier, "0xb", "1", "1"))
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, cache.Key(cache.NamespaceMetadata, "0xa"))
	assert.True(t, ok)
}

func TestUndecodableJSONIsAMiss(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.Options{})
	require.NoError(t, c.Set(ctx, "token:1", []byte("{not json"), time.Minute))

	_, ok, err := cache.GetJSON[map[string]string](ctx, c, "token:1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = c.Get(ctx, "token:1")
	assert.False(t, ok)
}

func TestSweeperLifecycle(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.Options{SweepInterval: 10 * time.Millisecond})

	require.NoError(t, c.Set(ctx, "etag:x", []byte("v"), 5*time.Millisecond))
	assert.Equal(t, 1, c.Stats().L1Items)

	require.NoError(t, c.Sweeper().Start(ctx))
	assert.Error(t, c.Sweeper().Start(ctx))
	assert.True(t, c.Sweeper().IsRunning())

	assert.Eventually(t, func() bool {
		return c.Stats().L1Items == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.False(t, c.Sweeper().IsRunning())
}

func TestPebbleStore(t *testing.T) {
	ctx := context.Background()
	s, err := cache.OpenPebbleStore("", nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "img:chunk:k:0", []byte{1, 2, 3}, time.Hour))
	require.NoError(t, s.Set(ctx, "img:chunk:k:1", []byte{4}, time.Hour))
	require.NoError(t, s.Set(ctx, "img:meta:k", []byte("meta"), time.Hour))
	require.NoError(t, s.Set(ctx, "etag:short", []byte("e"), 20*time.Millisecond))

	v, ok, err := s.Get(ctx, "img:chunk:k:0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, v)

	require.NoError(t, s.DeletePrefix(ctx, "img:chunk:k:"))
	_, ok, _ = s.Get(ctx, "img:chunk:k:1")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "img:meta:k")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok, err = s.Get(ctx, "etag:short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheOverPebble(t *testing.T) {
	ctx := context.Background()
	s, err := cache.OpenPebbleStore("", nil)
	require.NoError(t, err)

	c := cache.New(cache.Options{L2: s})
	defer c.Close()

	require.NoError(t, cache.SetJSON(ctx, c, "sponsor:current", map[string]int{"releaseId": 3}, time.Hour))
	v, ok, err := cache.GetJSON[map[string]int](ctx, c, "sponsor:current")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, v["releaseId"])
}

// Package cache is the two-tier key/value cache used for chain reads,
// token metadata and image bytes.
//
// Reads check the in-process L1 first and fall back to an optional shared
// L2 Store, backfilling L1 on an L2 hit for no longer than the entry has
// left to live. Keys live in disjoint namespaces
// so invalidating one logical cache never touches another.
package cache

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotki/nftkit/util"
	"github.com/zeebo/xxh3"
)

type Namespace string

const (
	NamespaceRelease   Namespace = "release"
	NamespaceTier      Namespace = "tier"
	NamespaceMetadata  Namespace = "meta"
	NamespaceToken     Namespace = "token"
	NamespaceImgChunk  Namespace = "img:chunk"
	NamespaceImgMeta   Namespace = "img:meta"
	NamespaceETag      Namespace = "etag"
	NamespaceSponsor   Namespace = "sponsor"
	NamespaceStale     Namespace = "stale"
	namespaceSeparator           = ":"
)

var Namespaces = []Namespace{
	NamespaceRelease, NamespaceTier, NamespaceMetadata, NamespaceToken,
	NamespaceImgChunk, NamespaceImgMeta, NamespaceETag, NamespaceSponsor,
	NamespaceStale,
}

// Key joins parts under ns. Parts are lower-cased so that semantically
// identical inputs always collide on the same key.
func Key(ns Namespace, parts ...string) string {
	var sb strings.Builder
	sb.WriteString(string(ns))
	for _, p := range parts {
		sb.WriteString(namespaceSeparator)
		sb.WriteString(strings.ToLower(p))
	}
	return sb.String()
}

// Prefix returns the key prefix matching every key built by Key(ns, parts...)
// with at least the given leading parts.
func Prefix(ns Namespace, parts ...string) string {
	return Key(ns, parts...) + namespaceSeparator
}

// StaleKey returns the long-lived fallback key for key.
func StaleKey(key string) string {
	return string(NamespaceStale) + namespaceSeparator + key
}

type Options struct {
	// L1DefaultTTL caps how long any entry stays in process memory.
	L1DefaultTTL time.Duration

	// L1TTL overrides L1DefaultTTL per namespace.
	L1TTL map[Namespace]time.Duration

	// SweepInterval is the period of the background L1 expiry sweep.
	SweepInterval time.Duration

	// L2 is the shared store, nil for L1 only.
	L2 Store

	Logger *slog.Logger
}

var DefaultOptions = Options{
	L1DefaultTTL:  5 * time.Minute,
	SweepInterval: 5 * time.Minute,
}

type Stats struct {
	L1Hits    int64 `json:"l1Hits"`
	L2Hits    int64 `json:"l2Hits"`
	Misses    int64 `json:"misses"`
	StaleHits int64 `json:"staleHits"`
	L2Errors  int64 `json:"l2Errors"`
	L1Items   int   `json:"l1Items"`
}

type Cache struct {
	l1      *gocache.Cache
	l2      Store
	options Options
	log     *slog.Logger
	sweeper *util.Ticker

	// namespaces sorted longest first for prefix matching
	namespaces []Namespace

	l1Hits, l2Hits, misses, staleHits, l2Errors atomic.Int64
}

func New(options Options) *Cache {
	if options.L1DefaultTTL <= 0 {
		options.L1DefaultTTL = DefaultOptions.L1DefaultTTL
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = DefaultOptions.SweepInterval
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Cache{
		// no janitor goroutine, expiry sweeps are driven by the Sweeper
		l1:      gocache.New(options.L1DefaultTTL, 0),
		l2:      options.L2,
		options: options,
		log:     options.Logger,
	}

	c.namespaces = append([]Namespace{}, Namespaces...)
	sort.SliceStable(c.namespaces, func(i, j int) bool {
		return len(c.namespaces[i]) > len(c.namespaces[j])
	})

	c.sweeper = util.NewTicker("cache sweeper", options.SweepInterval, false, func(ctx context.Context) {
		c.Sweep()
	})
	return c
}

// Sweeper is the background expiry task for the L1 tier.
func (c *Cache) Sweeper() *util.Ticker {
	return c.sweeper
}

// Sweep removes expired L1 entries.
func (c *Cache) Sweep() {
	before := c.l1.ItemCount()
	c.l1.DeleteExpired()
	if removed := before - c.l1.ItemCount(); removed > 0 {
		c.log.Debug("cache sweep", slog.Int("removed", removed))
	}
}

func (c *Cache) HasL2() bool {
	return c.l2 != nil
}

func (c *Cache) namespaceOf(key string) Namespace {
	for _, ns := range c.namespaces {
		if strings.HasPrefix(key, string(ns)+namespaceSeparator) {
			return ns
		}
	}
	return ""
}

// l1TTL bounds how long key stays in L1: the namespace ttl, but never
// past the entry's own remaining ttl. Without an L2 the process memory is
// the only tier and keeps the full ttl.
func (c *Cache) l1TTL(key string, ttl time.Duration) time.Duration {
	if c.l2 == nil && ttl > 0 {
		return ttl
	}
	l1 := c.options.L1DefaultTTL
	if v, ok := c.options.L1TTL[c.namespaceOf(key)]; ok && v > 0 {
		l1 = v
	}
	if ttl > 0 && ttl < l1 {
		return ttl
	}
	return l1
}

// Get returns the value stored at key. Expired entries are absent.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := c.l1.Get(key); ok {
		c.l1Hits.Add(1)
		return v.([]byte), true, nil
	}
	if c.l2 == nil {
		c.misses.Add(1)
		return nil, false, nil
	}

	raw, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		c.l2Errors.Add(1)
		c.log.Warn("cache l2 get failed", slog.String("key", key), slog.Any("err", err))
		return nil, false, err
	}
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	v, remaining, ok := openEnvelope(raw, time.Now())
	if !ok {
		// expired before the store noticed, or written without an envelope
		c.misses.Add(1)
		_ = c.l2.Delete(ctx, key)
		return nil, false, nil
	}
	c.l2Hits.Add(1)
	c.l1.Set(key, v, c.l1TTL(key, remaining))
	return v, true, nil
}

// Set stores value for ttl. A ttl of zero or less removes the key.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, key)
	}
	c.l1.Set(key, value, c.l1TTL(key, ttl))
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Set(ctx, key, sealEnvelope(value, time.Now().Add(ttl)), ttl); err != nil {
		c.l2Errors.Add(1)
		return err
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.l1.Delete(key)
	if c.l2 == nil {
		return nil
	}
	return c.l2.Delete(ctx, key)
}

// DeletePrefix removes every key starting with prefix from both tiers.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	for k := range c.l1.Items() {
		if strings.HasPrefix(k, prefix) {
			c.l1.Delete(k)
		}
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.DeletePrefix(ctx, prefix)
}

// SetWithStale writes value under key and under its stale key, the latter
// with the longer staleTTL.
func (c *Cache) SetWithStale(ctx context.Context, key string, value []byte, ttl, staleTTL time.Duration) error {
	if err := c.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.Set(ctx, StaleKey(key), value, staleTTL)
}

// GetStale reads the stale fallback copy of key. It is only meant for the
// failure-recovery path after a fresh fetch failed.
func (c *Cache) GetStale(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := c.Get(ctx, StaleKey(key))
	if ok {
		c.staleHits.Add(1)
	}
	return v, ok, err
}

func (c *Cache) Stats() Stats {
	return Stats{
		L1Hits:    c.l1Hits.Load(),
		L2Hits:    c.l2Hits.Load(),
		Misses:    c.misses.Load(),
		StaleHits: c.staleHits.Load(),
		L2Errors:  c.l2Errors.Load(),
		L1Items:   c.l1.ItemCount(),
	}
}

// Close stops the sweeper and releases the L2 store.
func (c *Cache) Close() error {
	_ = c.sweeper.Stop()
	if c.l2 != nil {
		return c.l2.Close()
	}
	return nil
}

// Hash returns a fixed-length key part for s. Used for values, such as
// urls and cids, that are case-sensitive or unbounded in length.
func Hash(s string) string {
	b := xxh3.HashString128(s).Bytes()
	return hex.EncodeToString(b[:])
}

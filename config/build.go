package config

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rotki/nftkit/cache"
	"github.com/rotki/nftkit/imageproxy"
	"github.com/rotki/nftkit/sponsorship"
	"github.com/rotki/nftkit/util"
)

func (c *Config) NewLogger(out io.Writer) (*slog.Logger, error) {
	level, err := util.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	return util.NewLogger(out, level, c.Logging.Format), nil
}

// OpenCache builds the two-tier cache with the configured L2 backend.
func (c *Config) OpenCache(log *slog.Logger) (*cache.Cache, error) {
	options := cache.Options{
		L1DefaultTTL:  c.Cache.L1DefaultTTL,
		SweepInterval: c.Cache.SweepInterval,
		Logger:        log,
	}
	if len(c.Cache.L1TTL) > 0 {
		options.L1TTL = make(map[cache.Namespace]time.Duration, len(c.Cache.L1TTL))
		for ns, ttl := range c.Cache.L1TTL {
			options.L1TTL[cache.Namespace(ns)] = ttl
		}
	}

	switch c.Cache.Backend {
	case CacheBackendRedis:
		store, err := cache.NewRedisStore(c.Cache.Redis)
		if err != nil {
			return nil, err
		}
		options.L2 = store
	case CacheBackendPebble:
		store, err := cache.OpenPebbleStore(c.Cache.PebbleDir, log)
		if err != nil {
			return nil, err
		}
		options.L2 = store
	case CacheBackendMemory, CacheBackendNone:
	default:
		return nil, fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	return cache.New(options), nil
}

func (c *Config) SponsorshipOptions(log *slog.Logger) sponsorship.Options {
	s := c.Sponsorship
	return sponsorship.Options{
		Enabled:             s.Enabled,
		BackendURL:          s.BackendURL,
		Chain:               s.Chain,
		ContractAddress:     s.ContractAddress,
		IPFSGateway:         c.Upstream.IPFSGateway,
		ImageProxyPath:      s.ImageProxyPath,
		ReleaseTTL:          s.ReleaseTTL,
		TierTTL:             s.TierTTL,
		MetadataTTL:         s.MetadataTTL,
		TokenTTL:            s.TokenTTL,
		SponsorTTL:          s.SponsorTTL,
		StaleTTL:            s.StaleTTL,
		MaxMetadataSize:     s.MaxMetadataSize,
		MetadataConcurrency: s.MetadataConcurrency,
		Retry:               c.Retry,
		Logger:              log,
	}
}

func (c *Config) ImageOptions(log *slog.Logger) imageproxy.Options {
	return imageproxy.Options{
		IPFSGateway:    c.Upstream.IPFSGateway,
		ENSMetadataURL: c.Upstream.ENSMetadataURL,
		AllowedHosts:   c.Image.AllowedHosts,
		ChunkSize:      c.Image.ChunkSize,
		MaxSize:        c.Image.MaxSize,
		TTL:            c.Image.TTL,
		NotFoundTTL:    c.Image.NotFoundTTL,
		StaleTTL:       c.Image.StaleTTL,
		Retry:          c.Retry,
		Logger:         log,
	}
}

func (c *Config) WarmerOptions() sponsorship.WarmerOptions {
	return sponsorship.WarmerOptions{
		Primary:  c.Warm.Primary,
		Interval: c.Warm.Interval,
		TierIDs:  c.Warm.TierIDs,
	}
}

// Package config loads the nftkit service configuration from a toml file.
// ${VAR} references in the file are expanded from the environment before
// decoding.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rotki/nftkit"
	"github.com/rotki/nftkit/cache"
	"github.com/rotki/nftkit/ethproviders"
	"github.com/rotki/nftkit/retry"
	"github.com/rotki/nftkit/util"
)

type Config struct {
	Server      ServerConfig        `toml:"server"`
	Logging     LoggingConfig       `toml:"logging"`
	Sponsorship SponsorshipConfig   `toml:"sponsorship"`
	Chains      ethproviders.Config `toml:"chains"`
	Cache       CacheConfig         `toml:"cache"`
	Upstream    UpstreamConfig      `toml:"upstream"`
	Retry       retry.Options       `toml:"retry"`
	Image       ImageConfig         `toml:"image"`
	Warm        WarmConfig          `toml:"warm"`
}

type ServerConfig struct {
	Addr              string        `toml:"addr"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type SponsorshipConfig struct {
	Enabled    bool   `toml:"enabled"`
	BackendURL string `toml:"backend_url"`

	// Chain and ContractAddress are used when no backend is configured.
	Chain           string `toml:"chain"`
	ContractAddress string `toml:"contract_address"`

	ImageProxyPath string `toml:"image_proxy_path"`

	ReleaseTTL  time.Duration `toml:"release_ttl"`
	TierTTL     time.Duration `toml:"tier_ttl"`
	MetadataTTL time.Duration `toml:"metadata_ttl"`
	TokenTTL    time.Duration `toml:"token_ttl"`
	SponsorTTL  time.Duration `toml:"sponsor_ttl"`
	StaleTTL    time.Duration `toml:"stale_ttl"`

	MaxMetadataSize     int64 `toml:"max_metadata_size"`
	MetadataConcurrency int   `toml:"metadata_concurrency"`
}

const (
	CacheBackendMemory = "memory"
	CacheBackendNone   = "none"
	CacheBackendRedis  = "redis"
	CacheBackendPebble = "pebble"
)

type CacheConfig struct {
	// Backend selects the shared L2 store: memory and none run L1 only.
	Backend string `toml:"backend"`

	L1DefaultTTL  time.Duration            `toml:"l1_default_ttl"`
	L1TTL         map[string]time.Duration `toml:"l1_ttl"`
	SweepInterval time.Duration            `toml:"sweep_interval"`

	Redis     cache.RedisConfig `toml:"redis"`
	PebbleDir string            `toml:"pebble_dir"`
}

type UpstreamConfig struct {
	Timeout        time.Duration `toml:"timeout"`
	UserAgent      string        `toml:"user_agent"`
	IPFSGateway    string        `toml:"ipfs_gateway"`
	ENSMetadataURL string        `toml:"ens_metadata_url"`
}

type ImageConfig struct {
	ChunkSize    int           `toml:"chunk_size"`
	MaxSize      int64         `toml:"max_size"`
	TTL          time.Duration `toml:"ttl"`
	NotFoundTTL  time.Duration `toml:"not_found_ttl"`
	StaleTTL     time.Duration `toml:"stale_ttl"`
	AllowedHosts []string      `toml:"allowed_hosts"`
}

type WarmConfig struct {
	// Primary marks the single instance running background jobs.
	Primary  bool          `toml:"primary"`
	Interval time.Duration `toml:"interval"`
	TierIDs  []uint64      `toml:"tier_ids"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Sponsorship: SponsorshipConfig{
			ReleaseTTL:          5 * time.Minute,
			TierTTL:             10 * time.Minute,
			MetadataTTL:         time.Hour,
			TokenTTL:            10 * time.Minute,
			SponsorTTL:          10 * time.Minute,
			StaleTTL:            7 * 24 * time.Hour,
			MaxMetadataSize:     1 << 20,
			MetadataConcurrency: 4,
		},
		Chains: ethproviders.Config{},
		Cache: CacheConfig{
			Backend:       CacheBackendMemory,
			L1DefaultTTL:  5 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Upstream: UpstreamConfig{
			Timeout:        30 * time.Second,
			UserAgent:      "nftkit",
			IPFSGateway:    "https://ipfs.io",
			ENSMetadataURL: "https://metadata.ens.domains",
		},
		Retry: retry.DefaultOptions,
		Image: ImageConfig{
			ChunkSize:   64 << 10,
			MaxSize:     10 << 20,
			TTL:         24 * time.Hour,
			NotFoundTTL: time.Hour,
			StaleTTL:    7 * 24 * time.Hour,
		},
		Warm: WarmConfig{Interval: 5 * time.Minute},
	}
}

// Load reads the toml file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.decode(string(data)); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes toml text over the defaults.
func Parse(text string) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(text); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(text string) error {
	md, err := toml.Decode(os.ExpandEnv(text), c)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if _, err := util.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	normalized := make(ethproviders.Config, len(c.Chains))
	for name, chain := range c.Chains {
		if chain.ID == 0 {
			return fmt.Errorf("chains.%s: id is required", name)
		}
		if !chain.Disabled && len(chain.URLs) == 0 {
			return fmt.Errorf("chains.%s: at least one url is required", name)
		}
		for _, u := range chain.URLs {
			if err := validateURL(u); err != nil {
				return fmt.Errorf("chains.%s: %w", name, err)
			}
		}
		normalized[strings.ToLower(name)] = chain
	}
	c.Chains = normalized

	if s := c.Sponsorship; s.Enabled {
		if s.BackendURL == "" && (s.Chain == "" || s.ContractAddress == "") {
			return fmt.Errorf("sponsorship: backend_url or chain and contract_address are required")
		}
		if s.BackendURL != "" {
			if err := validateURL(s.BackendURL); err != nil {
				return fmt.Errorf("sponsorship.backend_url: %w", err)
			}
		}
		if s.ContractAddress != "" {
			if _, err := nftkit.NormalizeAddress(s.ContractAddress); err != nil {
				return fmt.Errorf("sponsorship.contract_address: %w", err)
			}
		}
		if s.Chain != "" {
			if _, ok := c.Chains.GetByName(s.Chain); !ok {
				// a numeric handle refers to the chain id
				id, err := strconv.ParseUint(s.Chain, 10, 64)
				if err != nil {
					return fmt.Errorf("sponsorship.chain %q has no [chains] entry", s.Chain)
				}
				if _, ok := c.Chains.GetByID(id); !ok {
					return fmt.Errorf("sponsorship.chain %d has no [chains] entry", id)
				}
			}
		}
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendNone, CacheBackendPebble:
	case CacheBackendRedis:
		if c.Cache.Redis.Host == "" {
			return fmt.Errorf("cache.redis.host is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be one of memory, none, redis, pebble; got %q", c.Cache.Backend)
	}
	for ns := range c.Cache.L1TTL {
		if !knownNamespace(ns) {
			return fmt.Errorf("cache.l1_ttl: unknown namespace %q", ns)
		}
	}

	for _, u := range []string{c.Upstream.IPFSGateway, c.Upstream.ENSMetadataURL} {
		if err := validateURL(u); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}
	if c.Image.ChunkSize <= 0 || int64(c.Image.ChunkSize) > c.Image.MaxSize {
		return fmt.Errorf("image.chunk_size must be positive and at most image.max_size")
	}

	if len(c.Warm.TierIDs) > 20 {
		return fmt.Errorf("warm.tier_ids: at most 20 tiers")
	}
	return nil
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q", s)
	}
	return nil
}

func knownNamespace(ns string) bool {
	for _, n := range cache.Namespaces {
		if string(n) == ns {
			return true
		}
	}
	return false
}

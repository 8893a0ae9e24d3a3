package ethproviders

import (
	"strings"
	"time"
)

type Config map[string]NetworkConfig

type NetworkConfig struct {
	ID uint64 `toml:"id" json:"id"`

	// URLs are the candidate rpc endpoints, tried in order.
	URLs []string `toml:"urls" json:"urls"`

	Testnet  bool `toml:"testnet" json:"testnet"`
	Disabled bool `toml:"disabled" json:"disabled"`

	// AttemptTimeout bounds a single call against one endpoint.
	AttemptTimeout time.Duration `toml:"attempt_timeout" json:"attemptTimeout"`
}

func (n Config) GetByID(id uint64) (NetworkConfig, bool) {
	for _, v := range n {
		if v.ID == id {
			return v, true
		}
	}
	return NetworkConfig{}, false
}

func (n Config) GetByName(name string) (NetworkConfig, bool) {
	name = strings.ToLower(name)
	for k, v := range n {
		if k == name {
			return v, true
		}
	}
	return NetworkConfig{}, false
}

package util

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rotki/nftkit/sonic"
)

// TestEnvPrefix marks environment variables that override entries of the
// test config file, ie. NFTKIT_TEST_MAINNET_URL sets MAINNET_URL.
const TestEnvPrefix = "NFTKIT_TEST_"

// ReadTestConfig loads the optional flat json settings used by tests that
// talk to live nodes, then applies NFTKIT_TEST_* overrides from the
// environment. A missing file is not an error.
func ReadTestConfig(path string) (map[string]string, error) {
	settings := map[string]string{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("test config %s: %w", path, err)
	default:
		if err := sonic.Config.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("test config %s: %w", path, err)
		}
	}

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, TestEnvPrefix) || v == "" {
			continue
		}
		settings[strings.TrimPrefix(k, TestEnvPrefix)] = v
	}
	return settings, nil
}

package util_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotki/nftkit/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestETagMatches(t *testing.T) {
	assert.Equal(t, `"abc"`, util.QuoteETag("abc"))
	assert.Equal(t, `W/"abc"`, util.QuoteETag(`W/"abc"`))
	assert.Equal(t, "", util.QuoteETag(""))

	assert.True(t, util.ETagMatches(`"abc"`, "abc"))
	assert.True(t, util.ETagMatches(`"x", W/"abc"`, `"abc"`))
	assert.True(t, util.ETagMatches("*", `"abc"`))
	assert.False(t, util.ETagMatches(`"abd"`, `"abc"`))
	assert.False(t, util.ETagMatches("", `"abc"`))
	assert.False(t, util.ETagMatches(`"abc"`, ""))
}

func TestTickerLifecycle(t *testing.T) {
	var runs int32
	ticker := util.NewTicker("test", 5*time.Millisecond, true, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	})

	require.NoError(t, ticker.Stop())
	require.NoError(t, ticker.Start(context.Background()))
	assert.Error(t, ticker.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 3
	}, time.Second, time.Millisecond)

	require.NoError(t, ticker.Stop())
	assert.False(t, ticker.IsRunning())

	n := atomic.LoadInt32(&runs)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, atomic.LoadInt32(&runs))

	bad := util.NewTicker("bad", 0, false, func(ctx context.Context) {})
	assert.Error(t, bad.Start(context.Background()))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := util.NewLogger(&buf, util.LogLevel_WARN, "json")
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	lvl, err := util.ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, util.LogLevel_DEBUG, lvl)
	_, err = util.ParseLevel("loud")
	assert.Error(t, err)
}

func TestReadTestConfig(t *testing.T) {
	cfg, err := util.ReadTestConfig("does-not-exist.json")
	require.NoError(t, err)
	assert.NotContains(t, cfg, "UTIL_UNSET")

	path := filepath.Join(t.TempDir(), "test.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"MAINNET_URL":"http://file","OTHER":"x"}`), 0o600))
	t.Setenv(util.TestEnvPrefix+"MAINNET_URL", "http://env")

	cfg, err = util.ReadTestConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env", cfg["MAINNET_URL"])
	assert.Equal(t, "x", cfg["OTHER"])

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	_, err = util.ReadTestConfig(path)
	assert.Error(t, err)
}

package retry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotki/nftkit"
	"github.com/rotki/nftkit/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastOptions = retry.Options{
	MaxRetries:   3,
	InitialDelay: time.Millisecond,
	MaxDelay:     4 * time.Millisecond,
	Factor:       2,
}

func TestDoTransientExhausts(t *testing.T) {
	var calls int32
	boom := nftkit.Transient("upstream", errors.New("connection reset"))

	_, err := retry.Do(context.Background(), fastOptions, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, boom
	})
	require.Error(t, err)
	assert.Equal(t, boom, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDoUntaggedErrorIsRetried(t *testing.T) {
	var calls int32
	_, err := retry.Do(context.Background(), fastOptions, func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", errors.New("i/o timeout")
	})
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	var calls int32
	notFound := nftkit.FromStatus("ipfs", 404)

	_, err := retry.Do(context.Background(), fastOptions, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, notFound
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, nftkit.ErrNotFound)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	calls = 0
	_, err = retry.Do(context.Background(), fastOptions, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nftkit.InvalidInput("cid", errors.New("invalid cid"))
	})
	assert.ErrorIs(t, err, nftkit.ErrInvalidInput)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	var calls int32
	v, err := retry.Do(context.Background(), fastOptions, func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", nftkit.FromStatus("gateway", 503)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := fastOptions
	opts.InitialDelay = time.Second
	opts.MaxDelay = time.Second

	var calls int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := retry.Do(ctx, opts, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDelay(t *testing.T) {
	opts := retry.Options{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 3}
	assert.Equal(t, 100*time.Millisecond, retry.Delay(opts, 0))
	assert.Equal(t, 300*time.Millisecond, retry.Delay(opts, 1))
	assert.Equal(t, 900*time.Millisecond, retry.Delay(opts, 2))
	assert.Equal(t, time.Second, retry.Delay(opts, 3))
	assert.Equal(t, time.Second, retry.Delay(opts, 10))
}

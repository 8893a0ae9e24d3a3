// Package retry runs fallible upstream operations with exponential backoff,
// giving up immediately on errors classified as permanent.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rotki/nftkit"
)

type Options struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int `toml:"max_retries" json:"maxRetries"`

	InitialDelay time.Duration `toml:"initial_delay" json:"initialDelay"`
	MaxDelay     time.Duration `toml:"max_delay" json:"maxDelay"`
	Factor       float64       `toml:"factor" json:"factor"`

	// Jitter is the randomization factor applied to each delay, 0 disables.
	Jitter float64 `toml:"jitter" json:"jitter"`

	Logger *slog.Logger `toml:"-" json:"-"`
}

var DefaultOptions = Options{
	MaxRetries:   3,
	InitialDelay: 1 * time.Second,
	MaxDelay:     10 * time.Second,
	Factor:       2,
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultOptions.MaxRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultOptions.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultOptions.MaxDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.Factor < 1 {
		o.Factor = DefaultOptions.Factor
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = 0
	}
	return o
}

// Delay returns the wait before retry number i, counting from 0:
// min(InitialDelay * Factor^i, MaxDelay), without jitter.
func Delay(opts Options, i int) time.Duration {
	opts = opts.withDefaults()
	d := float64(opts.InitialDelay) * math.Pow(opts.Factor, float64(i))
	if d >= float64(opts.MaxDelay) {
		return opts.MaxDelay
	}
	return time.Duration(d)
}

// Backoff builds the backoff policy described by opts. Exported so callers
// composing their own retry loops share the same delays.
func Backoff(ctx context.Context, opts Options) backoff.BackOff {
	opts = opts.withDefaults()
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(opts.InitialDelay),
		backoff.WithMultiplier(opts.Factor),
		backoff.WithMaxInterval(opts.MaxDelay),
		backoff.WithRandomizationFactor(opts.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.MaxRetries-1)), ctx)
}

// Do calls fn until it succeeds, returns a non-transient error, the
// attempts are exhausted or ctx is done. The last error from fn is
// returned unchanged.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !nftkit.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		log.Debug("retrying after transient failure",
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", opts.MaxRetries),
			slog.Duration("wait", wait),
			slog.Any("err", err))
	}

	v, err := backoff.RetryNotifyWithData(op, Backoff(ctx, opts), notify)
	if err != nil && attempt == opts.MaxRetries && nftkit.IsRetryable(err) {
		log.Warn("retries exhausted", slog.Int("attempts", attempt), slog.Any("err", err))
	}
	return v, err
}

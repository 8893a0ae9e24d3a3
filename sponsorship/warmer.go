package sponsorship

import (
	"context"
	"log/slog"
	"time"

	"github.com/rotki/nftkit/util"
)

type WarmerOptions struct {
	// Primary gates the warmer to a single instance when several run
	// behind a load balancer.
	Primary  bool
	Interval time.Duration
	TierIDs  []uint64
}

// Warmer periodically refreshes tier info so user requests hit a warm
// cache. It only runs on the primary instance.
type Warmer struct {
	svc     *Service
	options WarmerOptions
	alerter util.Alerter
	log     *slog.Logger
	ticker  *util.Ticker
}

func NewWarmer(svc *Service, options WarmerOptions, alerter util.Alerter) *Warmer {
	if options.Interval <= 0 {
		options.Interval = 5 * time.Minute
	}
	if alerter == nil {
		alerter = util.NoopAlerter()
	}
	w := &Warmer{
		svc:     svc,
		options: options,
		alerter: alerter,
		log:     svc.log.With(slog.String("component", "warmer")),
	}
	w.ticker = util.NewTicker("cache warmer", options.Interval, true, func(ctx context.Context) {
		_ = w.Warm(ctx)
	})
	return w
}

// Start launches the background refresh. It is a no-op on non-primary
// instances and when the feature is disabled.
func (w *Warmer) Start(ctx context.Context) error {
	if !w.options.Primary || !w.svc.Enabled() || len(w.options.TierIDs) == 0 {
		w.log.Info("cache warmer not started",
			slog.Bool("primary", w.options.Primary), slog.Bool("enabled", w.svc.Enabled()))
		return nil
	}
	w.log.Info("cache warmer started", slog.Duration("interval", w.options.Interval), slog.Int("tiers", len(w.options.TierIDs)))
	return w.ticker.Start(ctx)
}

func (w *Warmer) Stop() error {
	return w.ticker.Stop()
}

func (w *Warmer) IsRunning() bool {
	return w.ticker.IsRunning()
}

// Warm fetches the configured tiers once, bypassing the release and tier
// caches.
func (w *Warmer) Warm(ctx context.Context) error {
	start := time.Now()
	resp, err := w.svc.TierInfo(ctx, SortTierIDs(w.options.TierIDs), true)
	if err != nil {
		w.alerter.Alert(ctx, "sponsorship cache warm failed: %v", err)
		return err
	}
	w.log.Debug("cache warmed", slog.Uint64("releaseId", resp.ReleaseID),
		slog.Int("tiers", len(resp.Tiers)), slog.Duration("took", time.Since(start)))
	return nil
}

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/airdrop/telemetry"
)

// DefaultReapInterval is how often the reaper sweeps expired bundles.
const DefaultReapInterval = 5 * time.Minute

// Reaper runs periodic sweeps of expired and corrupt bundles.
type Reaper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the sweep interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper for s. Defaults: interval=5m.
func NewReaper(s *Store, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:    s,
		interval: DefaultReapInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reaper")
	return r
}

// Run sweeps once immediately, then every interval until the context is
// cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("bundle reaper started", "interval", r.interval)
	_, _ = r.ReapNow(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("bundle reaper stopped")
			return
		case <-ticker.C:
			_, _ = r.ReapNow(ctx)
		}
	}
}

// ReapNow runs a single sweep immediately and returns the number of
// bundles removed.
func (r *Reaper) ReapNow(ctx context.Context) (int, error) {
	start := time.Now()
	removed, err := r.store.Sweep(ctx, r.store.Now())
	telemetry.RecordReaperCycle(ctx, "bundles", removed, time.Since(start))

	if err != nil {
		r.logger.Error("sweep failed", "removed", removed, "error", err)
		return removed, err
	}
	if removed > 0 {
		r.logger.Info("expired bundles reaped", "removed", removed)
	}
	return removed, nil
}

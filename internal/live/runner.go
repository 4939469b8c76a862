package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ratchet/internal/domain"
	"ratchet/internal/engine"
	"ratchet/internal/feed"
	"ratchet/internal/util"
)

// Clock is the part of the session calendar the runner needs.
type Clock interface {
	IsMarketOpen(t time.Time) bool
	SessionDay(t time.Time) string
}

// Config tunes the polling loop.
type Config struct {
	PollInterval time.Duration // default 15s
	DrainTimeout time.Duration // default 60s
}

// Deps are the collaborators of a Runner. Server and Logger are optional.
type Deps struct {
	Feed    feed.Feed
	Engines []*engine.Engine
	Gate    *engine.RiskGate
	Clock   Clock
	Model   *Model
	Server  *Server
	Logger  *slog.Logger
}

// Runner polls the feed for every symbol and drives the engines from a
// single goroutine.
type Runner struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	log  *slog.Logger

	last map[string]domain.Bar
}

// NewRunner creates a runner.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.Feed == nil || deps.Gate == nil || deps.Clock == nil || deps.Model == nil {
		return nil, errors.New("live: feed, gate, clock and model are required")
	}
	if len(deps.Engines) == 0 {
		return nil, errors.New("live: no engines")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 60 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:  cfg,
		deps: deps,
		now:  time.Now,
		log:  log.With("component", "runner"),
		last: make(map[string]domain.Bar),
	}, nil
}

// Run polls until ctx is cancelled, then drains every open position.
func (r *Runner) Run(ctx context.Context) error {
	r.setServing(true)
	r.log.Info("runner started", "symbols", len(r.deps.Engines), "interval", r.cfg.PollInterval)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			r.setServing(false)
			return r.Drain()
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll runs one cycle: new bars for every symbol go through its engine.
// Nothing is fetched while the market is closed. A feed error skips the
// symbol until the next cycle.
func (r *Runner) Poll(ctx context.Context) {
	now := r.now()
	// The last bar of the session completes a minute after the close.
	if !r.deps.Clock.IsMarketOpen(now) && !r.deps.Clock.IsMarketOpen(now.Add(-time.Minute)) {
		r.log.Debug("market closed, skipping poll", "now", now)
		return
	}

	for _, eng := range r.deps.Engines {
		if ctx.Err() != nil {
			return
		}
		sym := eng.Symbol()
		bars, err := r.deps.Feed.Next(ctx, sym)
		if err != nil {
			r.log.Warn("feed error", "symbol", sym, "error", err)
			continue
		}
		for _, b := range bars {
			r.deps.Model.SwitchDay(r.deps.Clock.SessionDay(b.Timestamp))
			eng.OnBar(ctx, b)
			r.last[sym] = b
		}
	}
	r.deps.Model.SetPositions(r.deps.Engines, r.deps.Gate.Snapshot())
}

// Drain liquidates every open position at its last seen price with a fresh
// bounded context, retrying unconfirmed exits until the timeout. It returns
// the positions it could not close.
func (r *Runner) Drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()

	r.log.Info("draining", "timeout", r.cfg.DrainTimeout)
	var errs []error
	for _, eng := range r.deps.Engines {
		if !eng.HasPosition() {
			continue
		}
		sym := eng.Symbol()
		bar, ok := r.last[sym]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s has no price to liquidate at", engine.ErrDrainIncomplete, sym))
			continue
		}
		bar.Timestamp = r.now().UTC()

		backoff := util.Backoff{Attempts: 6, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
		if err := util.RetryBackoff(ctx, backoff, func() error {
			return eng.Liquidate(ctx, bar)
		}); err != nil {
			r.log.Error("liquidation incomplete", "symbol", sym, "error", err)
			errs = append(errs, err)
		}
	}

	snap := r.deps.Gate.Snapshot()
	r.deps.Model.SetPositions(r.deps.Engines, snap)
	r.log.Info("drain finished",
		"day", snap.Day,
		"daily_pnl", snap.DailyPnL,
		"trades", snap.DailyTradeCount,
		"open", snap.OpenPositionCount,
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

func (r *Runner) setServing(serving bool) {
	if r.deps.Server != nil {
		r.deps.Server.SetServing(serving)
	}
}

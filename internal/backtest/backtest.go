// Package backtest replays stored minute bars through one engine per symbol
// against a simulated broker and reports the outcome.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ratchet/internal/broker"
	"ratchet/internal/domain"
	"ratchet/internal/engine"
	"ratchet/internal/feed"
	"ratchet/internal/metrics"
	"ratchet/internal/store"
	"ratchet/internal/strategy"
)

// Clock is the session calendar the engines and the entry rule share.
type Clock interface {
	engine.SessionClock
	strategy.Clock
}

// Config describes one backtest run.
type Config struct {
	Strategy     string
	Params       strategy.Params
	Lifecycle    engine.LifecycleConfig
	Symbols      []string
	Start, End   time.Time
	Capital      float64
	RiskFraction float64
	MaxNotional  float64
	Limits       engine.RiskLimits
	ATRPeriod    int
	Slippage     float64 // per share, against the trader
	Workers      int     // > 1 replays symbols in parallel
	ExportPath   string  // trades Parquet file, optional
}

// Deps are the collaborators of a run. Decisions, Trades, Metrics and Logger
// are optional; Decisions and Trades receive every record as it happens.
type Deps struct {
	Bars      store.BarStore
	Registry  *strategy.Registry
	Clock     Clock
	Decisions engine.DecisionSink
	Trades    engine.TradeSink
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Run replays [cfg.Start, cfg.End] and returns the result. With one worker
// the bars of every symbol are interleaved by timestamp, so the shared risk
// gate sees the same order as it would live and the run is deterministic.
// With more workers the symbols replay concurrently, one session day at a
// time.
func Run(ctx context.Context, cfg Config, deps Deps) (*Result, error) {
	if deps.Bars == nil || deps.Registry == nil || deps.Clock == nil {
		return nil, errors.New("backtest: bars, registry and clock are required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("backtest: no symbols")
	}
	if cfg.Capital <= 0 {
		return nil, fmt.Errorf("backtest: capital %v must be positive", cfg.Capital)
	}
	if !cfg.End.After(cfg.Start) {
		return nil, fmt.Errorf("backtest: end %s is not after start %s", cfg.End, cfg.Start)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "backtest", "strategy", cfg.Strategy)

	sim := broker.NewSimulatorBroker(cfg.Capital)
	sim.SetSlippage(cfg.Slippage)
	rec := &recorder{decisions: deps.Decisions, trades: deps.Trades}
	gate := engine.NewRiskGate(cfg.Limits)
	replay := feed.NewReplay(deps.Bars, cfg.Start, cfg.End, cfg.ATRPeriod)

	runs := make([]*symbolRun, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		eval, err := deps.Registry.New(cfg.Strategy, cfg.Params, deps.Clock)
		if err != nil {
			return nil, fmt.Errorf("backtest %s: %w", sym, err)
		}
		eng, err := engine.New(sym, engine.Config{
			Strategy:  cfg.Strategy,
			Lifecycle: cfg.Lifecycle,
			Budget: strategy.Budget{
				Capital:      cfg.Capital,
				RiskFraction: cfg.RiskFraction,
				MaxNotional:  cfg.MaxNotional,
			},
		}, engine.Deps{
			Gate:      gate,
			Evaluator: eval,
			Clock:     deps.Clock,
			Executor:  broker.NewExecutor(sim, broker.WithLogger(log)),
			Decisions: rec,
			Trades:    rec,
			Metrics:   deps.Metrics,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		runs = append(runs, &symbolRun{eng: eng})
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runs {
		g.Go(func() error {
			bars, err := replay.Next(gctx, r.eng.Symbol())
			if err != nil {
				return err
			}
			r.bars = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var err error
	if cfg.Workers <= 1 {
		err = replayInterleaved(ctx, runs)
	} else {
		err = replayParallel(ctx, runs, cfg.Workers, deps.Clock)
	}
	if err != nil {
		return nil, err
	}

	days := make(map[string]bool)
	var nbars int
	for _, r := range runs {
		nbars += len(r.bars)
		for _, b := range r.bars {
			days[deps.Clock.SessionDay(b.Timestamp)] = true
		}
		if r.eng.HasPosition() {
			log.Warn("position left open at end of data", "symbol", r.eng.Symbol())
		}
	}

	res := newResult(cfg.Capital, rec.sortedTrades(), rec.sortedDecisions(), days, deps.Clock)
	log.Info("backtest finished",
		"symbols", len(runs),
		"bars", nbars,
		"trades", len(res.Trades),
		"return", res.TotalReturn,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if cfg.ExportPath != "" {
		if err := store.WriteTradeRecords(cfg.ExportPath, res.Trades); err != nil {
			return res, err
		}
		log.Info("trades exported", "path", cfg.ExportPath)
	}
	return res, nil
}

// symbolRun pairs an engine with its replayed bars.
type symbolRun struct {
	eng  *engine.Engine
	bars []domain.Bar
}

// finish liquidates what is still open on the last bar.
func (r *symbolRun) finish(ctx context.Context) error {
	if !r.eng.HasPosition() || len(r.bars) == 0 {
		return nil
	}
	return r.eng.Liquidate(ctx, r.bars[len(r.bars)-1])
}

func replayInterleaved(ctx context.Context, runs []*symbolRun) error {
	idx := make([]int, len(runs))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := -1
		for i, r := range runs {
			if idx[i] >= len(r.bars) {
				continue
			}
			if next < 0 || r.bars[idx[i]].Timestamp.Before(runs[next].bars[idx[next]].Timestamp) {
				next = i
			}
		}
		if next < 0 {
			break
		}
		r := runs[next]
		r.eng.OnBar(ctx, r.bars[idx[next]])
		idx[next]++
	}
	for _, r := range runs {
		if err := r.finish(ctx); err != nil {
			return err
		}
	}
	return nil
}

// replayParallel replays the symbols concurrently one session day at a time.
// Every symbol finishes a day before any symbol starts the next, so the
// shared gate rolls over once per day and its daily caps hold across
// symbols.
func replayParallel(ctx context.Context, runs []*symbolRun, workers int, clock Clock) error {
	type span struct{ from, to int }
	spans := make([]map[string]span, len(runs))
	seen := make(map[string]bool)
	var days []string
	for i, r := range runs {
		spans[i] = make(map[string]span)
		for j, b := range r.bars {
			day := clock.SessionDay(b.Timestamp)
			sp, ok := spans[i][day]
			if !ok {
				sp.from = j
			}
			sp.to = j + 1
			spans[i][day] = sp
			if !seen[day] {
				seen[day] = true
				days = append(days, day)
			}
		}
	}
	sort.Strings(days)

	for _, day := range days {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, r := range runs {
			sp, ok := spans[i][day]
			if !ok {
				continue
			}
			g.Go(func() error {
				for _, b := range r.bars[sp.from:sp.to] {
					if err := gctx.Err(); err != nil {
						return err
					}
					r.eng.OnBar(gctx, b)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, r := range runs {
		g.Go(func() error { return r.finish(gctx) })
	}
	return g.Wait()
}

// ---------------------------------------------------------------------------
// recorder
// ---------------------------------------------------------------------------

// recorder collects decision and trade records from every engine and
// forwards them to the optional sinks.
type recorder struct {
	decisions engine.DecisionSink
	trades    engine.TradeSink

	mu       sync.Mutex
	decided  []domain.DecisionRecord
	finished []domain.TradeRecord
}

func (r *recorder) RecordDecision(ctx context.Context, rec domain.DecisionRecord) error {
	r.mu.Lock()
	r.decided = append(r.decided, rec)
	r.mu.Unlock()
	if r.decisions != nil {
		return r.decisions.RecordDecision(ctx, rec)
	}
	return nil
}

func (r *recorder) RecordTrade(ctx context.Context, rec domain.TradeRecord) error {
	r.mu.Lock()
	r.finished = append(r.finished, rec)
	r.mu.Unlock()
	if r.trades != nil {
		return r.trades.RecordTrade(ctx, rec)
	}
	return nil
}

func (r *recorder) sortedTrades() []domain.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]domain.TradeRecord(nil), r.finished...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (r *recorder) sortedDecisions() []domain.DecisionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]domain.DecisionRecord(nil), r.decided...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

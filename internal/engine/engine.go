// Package engine holds the position lifecycle, the risk gate, the sizer and
// the per-symbol orchestrator that ties them to a signal evaluator and a
// broker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ratchet/internal/domain"
	"ratchet/internal/metrics"
	"ratchet/internal/strategy"
)

// Executor places an order and blocks until it is filled or has failed. The
// returned order carries the fill. Implementations must treat
// ClientOrderID as an idempotency key.
type Executor interface {
	Execute(ctx context.Context, order *domain.Order) (*domain.Order, error)
}

// DecisionSink receives decision records.
type DecisionSink interface {
	RecordDecision(ctx context.Context, rec domain.DecisionRecord) error
}

// TradeSink receives one record per closed position.
type TradeSink interface {
	RecordTrade(ctx context.Context, rec domain.TradeRecord) error
}

// Config is the per-symbol engine configuration.
type Config struct {
	Strategy    string
	Lifecycle   LifecycleConfig
	Budget      strategy.Budget
	HistorySize int // bars kept for the evaluator; 0 means 390
}

// Deps are the collaborators of an Engine. Decisions, Trades, Metrics and
// Logger are optional.
type Deps struct {
	Gate      *RiskGate
	Evaluator strategy.SignalEvaluator
	Clock     SessionClock
	Executor  Executor
	Decisions DecisionSink
	Trades    TradeSink
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Engine drives one symbol: it owns at most one lifecycle and is fed bars by
// a single goroutine.
type Engine struct {
	symbol string
	cfg    Config

	gate      *RiskGate
	eval      strategy.SignalEvaluator
	clock     SessionClock
	exec      Executor
	decisions DecisionSink
	trades    TradeSink
	metrics   *metrics.Metrics
	log       *slog.Logger

	history   []domain.Bar
	lc        *Lifecycle
	clientIDs map[int]string
	closed    []domain.TradeRecord
}

// New creates an Engine for symbol.
func New(symbol string, cfg Config, deps Deps) (*Engine, error) {
	if deps.Gate == nil || deps.Evaluator == nil || deps.Clock == nil || deps.Executor == nil {
		return nil, fmt.Errorf("engine %s: gate, evaluator, clock and executor are required", symbol)
	}
	if err := cfg.Lifecycle.Validate(); err != nil {
		return nil, fmt.Errorf("engine %s: %w", symbol, err)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 390
	}
	if cfg.Strategy == "" {
		cfg.Strategy = deps.Evaluator.Name()
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		symbol:    symbol,
		cfg:       cfg,
		gate:      deps.Gate,
		eval:      deps.Evaluator,
		clock:     deps.Clock,
		exec:      deps.Executor,
		decisions: deps.Decisions,
		trades:    deps.Trades,
		metrics:   deps.Metrics,
		log:       log.With("symbol", symbol, "strategy", cfg.Strategy),
	}, nil
}

// Symbol returns the symbol this engine trades.
func (e *Engine) Symbol() string { return e.symbol }

// HasPosition reports whether a lifecycle is live, including one waiting for
// exit confirmations.
func (e *Engine) HasPosition() bool { return e.lc != nil }

// Position returns the open position, if any.
func (e *Engine) Position() (Position, bool) {
	if e.lc == nil {
		return Position{}, false
	}
	return e.lc.Position(), true
}

// Pending returns the exits awaiting confirmation.
func (e *Engine) Pending() []ExitEvent {
	if e.lc == nil {
		return nil
	}
	return e.lc.Pending()
}

// Trades returns the records of every position this engine closed.
func (e *Engine) Trades() []domain.TradeRecord {
	return append([]domain.TradeRecord(nil), e.closed...)
}

// OnBar processes one bar: exits for the open position first, then entry
// evaluation when flat.
func (e *Engine) OnBar(ctx context.Context, bar domain.Bar) {
	if e.gate.RollOver(e.clock.SessionDay(bar.Timestamp)) {
		e.syncRisk()
	}

	e.history = append(e.history, bar)
	if n := len(e.history); n > e.cfg.HistorySize {
		e.history = append(e.history[:0:0], e.history[n-e.cfg.HistorySize:]...)
	}

	if e.lc != nil {
		e.manage(ctx, bar)
		return
	}
	e.evaluate(ctx, bar)
}

// Liquidate closes whatever remains of the position at bar's close and
// retries unconfirmed exits. It returns ErrDrainIncomplete when the broker
// did not confirm everything.
func (e *Engine) Liquidate(ctx context.Context, bar domain.Bar) error {
	if e.lc == nil {
		return nil
	}
	if ev, ok := e.lc.Liquidate(bar.Close, bar.Timestamp); ok {
		e.metrics.AddPending(1)
		e.log.Info("liquidating", "price", ev.Price, "shares", ev.Shares)
	}
	e.retryPending(ctx)
	if e.lc != nil {
		return fmt.Errorf("%w: %s has %d pending exits", ErrDrainIncomplete, e.symbol, len(e.lc.Pending()))
	}
	return nil
}

// manage retries earlier unconfirmed exits, then runs the exit ladder.
func (e *Engine) manage(ctx context.Context, bar domain.Bar) {
	if len(e.lc.Pending()) > 0 {
		e.retryPending(ctx)
		if e.lc == nil {
			return
		}
	}
	if e.lc.State() != StateActive {
		return
	}

	for _, ev := range e.lc.OnBar(bar) {
		if !ev.Kind.Realizing() {
			e.metrics.ObserveExit(ev.Kind)
			e.decide(ctx, domain.DecisionRecord{
				Time:    ev.Timestamp,
				Outcome: domain.DecisionStopMoved,
				Reason:  fmt.Sprintf("stop moved to %.4f at %.2fR", ev.Price, ev.RMultiple),
				Price:   ev.Price,
			})
			continue
		}
		e.metrics.AddPending(1)
	}
	e.retryPending(ctx)
}

// retryPending submits every pending exit in emission order. It stops at the
// first failure so fills are confirmed in sequence.
func (e *Engine) retryPending(ctx context.Context) {
	for _, ev := range e.lc.Pending() {
		if err := e.submitExit(ctx, ev); err != nil {
			e.log.Warn("exit not confirmed", "seq", ev.Seq, "kind", ev.Kind, "error", err)
			e.decide(ctx, domain.DecisionRecord{
				Time:    ev.Timestamp,
				Outcome: domain.DecisionExitFailed,
				Reason:  fmt.Sprintf("%s: %v", ev.Kind, err),
				Price:   ev.Price,
				Qty:     ev.Shares,
			})
			break
		}
	}
	e.finishIfClosed(ctx)
}

func (e *Engine) submitExit(ctx context.Context, ev ExitEvent) error {
	fillPrice, filledAt := ev.Price, ev.Timestamp
	if ev.Shares > 0 {
		order := &domain.Order{
			ClientOrderID: e.clientID(ev.Seq),
			Symbol:        e.symbol,
			Side:          domain.OrderSideSell,
			Type:          domain.OrderTypeMarket,
			Qty:           ev.Shares,
			RefPrice:      ev.Price,
			Reason:        string(ev.Kind),
			CreatedAt:     ev.Timestamp,
		}
		filled, err := e.exec.Execute(ctx, order)
		e.metrics.ObserveOrder(domain.OrderSideSell, err == nil)
		if err != nil {
			return fmt.Errorf("submit %s exit: %w", ev.Kind, err)
		}
		if filled.FilledQty > 0 && filled.FilledQty < ev.Shares {
			return fmt.Errorf("submit %s exit: filled %d of %d shares", ev.Kind, filled.FilledQty, ev.Shares)
		}
		if filled.FilledAvgPrice > 0 {
			fillPrice = filled.FilledAvgPrice
		}
		if !filled.UpdatedAt.IsZero() {
			filledAt = filled.UpdatedAt
		}
	}

	pnl, err := e.lc.Confirm(ev.Seq, fillPrice, filledAt)
	if err != nil {
		return err
	}
	delete(e.clientIDs, ev.Seq)
	e.gate.RecordExit(ev, pnl)
	e.syncRisk()
	e.metrics.AddPending(-1)
	e.metrics.ObserveExit(ev.Kind)
	e.decide(ctx, domain.DecisionRecord{
		Time:    filledAt,
		Outcome: domain.DecisionExitConfirmed,
		Reason:  fmt.Sprintf("%s at %.2fR pnl %.2f", ev.Kind, ev.RMultiple, pnl),
		Price:   fillPrice,
		Qty:     ev.Shares,
	})
	return nil
}

// clientID returns the order ID for an exit, stable across retries.
func (e *Engine) clientID(seq int) string {
	if e.clientIDs == nil {
		e.clientIDs = make(map[int]string)
	}
	id, ok := e.clientIDs[seq]
	if !ok {
		id = uuid.NewString()
		e.clientIDs[seq] = id
	}
	return id
}

func (e *Engine) finishIfClosed(ctx context.Context) {
	rec, ok := e.lc.Record()
	if !ok {
		return
	}
	rec.Strategy = e.cfg.Strategy
	e.closed = append(e.closed, rec)
	e.lc = nil
	e.clientIDs = nil

	e.log.Info("position closed",
		"reason", rec.ExitReason,
		"pnl", rec.PnL,
		"r", rec.RMultiple,
		"hold", rec.HoldDuration.String(),
	)
	if e.trades != nil {
		if err := e.trades.RecordTrade(ctx, rec); err != nil {
			e.log.Error("record trade", "error", err)
		}
	}
}

// evaluate looks for an entry while flat.
func (e *Engine) evaluate(ctx context.Context, bar domain.Bar) {
	if e.clock.IsSessionClosing(bar.Timestamp) {
		return
	}
	plan := e.eval.Evaluate(bar, e.history)
	if plan == nil {
		return
	}

	rec := domain.DecisionRecord{Time: bar.Timestamp, Price: bar.Close}

	if err := e.gate.TryEnter(); err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			rec.Reason = string(rej.Reason)
		} else {
			rec.Reason = err.Error()
		}
		rec.Outcome = domain.DecisionBlocked
		e.decide(ctx, rec)
		return
	}
	e.syncRisk()

	budget := e.cfg.Budget
	if !plan.Budget.IsZero() {
		budget = plan.Budget
	}
	qty, err := Size(bar.Close, plan.Stop, budget.Capital, budget.RiskFraction, budget.MaxNotional)
	if err != nil {
		e.reject(ctx, rec, domain.DecisionRejected, err)
		return
	}
	rec.Qty = qty

	cfg := e.cfg.Lifecycle.WithTiers(plan.Tiers)
	if err := cfg.Validate(); err != nil {
		e.reject(ctx, rec, domain.DecisionRejected, err)
		return
	}

	order := &domain.Order{
		ClientOrderID: uuid.NewString(),
		Symbol:        e.symbol,
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeMarket,
		Qty:           qty,
		RefPrice:      bar.Close,
		Reason:        plan.Reason,
		CreatedAt:     bar.Timestamp,
	}
	filled, err := e.exec.Execute(ctx, order)
	e.metrics.ObserveOrder(domain.OrderSideBuy, err == nil)
	if err != nil {
		e.reject(ctx, rec, domain.DecisionEntryFailed, err)
		return
	}

	entry, entryTime := filled.FilledAvgPrice, bar.Timestamp
	if entry <= 0 {
		entry = bar.Close
	}
	if filled.FilledQty > 0 {
		qty = filled.FilledQty
	}
	if !filled.UpdatedAt.IsZero() {
		entryTime = filled.UpdatedAt
	}

	// A fill at or below the stop is already stopped out: keep the real
	// price and sell right away.
	through := entry <= plan.Stop
	var lc *Lifecycle
	if through {
		lc, _, err = OpenThroughStop(e.symbol, entry, bar.Close, plan.Stop, qty, entryTime, cfg, e.clock)
	} else {
		lc, err = Open(e.symbol, entry, plan.Stop, qty, entryTime, cfg, e.clock)
	}
	if err != nil {
		// Shares are held at the broker but cannot be managed.
		e.log.Error("open lifecycle after fill", "error", err)
		e.reject(ctx, rec, domain.DecisionRejected, err)
		return
	}
	e.lc = lc

	rec.Outcome = domain.DecisionEntered
	rec.Reason = plan.Reason
	rec.Price = entry
	rec.Qty = qty
	e.decide(ctx, rec)

	if through {
		e.log.Warn("entry filled through stop", "fill", entry, "stop", plan.Stop, "shares", qty)
		e.metrics.AddPending(1)
		e.retryPending(ctx)
	}
}

// reject records a failed entry and frees its gate reservation.
func (e *Engine) reject(ctx context.Context, rec domain.DecisionRecord, outcome domain.DecisionOutcome, err error) {
	e.gate.ReleaseEntry()
	e.syncRisk()
	rec.Outcome = outcome
	rec.Reason = err.Error()
	e.decide(ctx, rec)
}

func (e *Engine) decide(ctx context.Context, rec domain.DecisionRecord) {
	rec.Symbol = e.symbol
	rec.Strategy = e.cfg.Strategy
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	e.metrics.ObserveDecision(rec.Outcome)

	level := slog.LevelInfo
	if rec.Outcome == domain.DecisionExitFailed || rec.Outcome == domain.DecisionEntryFailed {
		level = slog.LevelWarn
	}
	e.log.Log(ctx, level, "decision",
		"outcome", rec.Outcome,
		"reason", rec.Reason,
		"price", rec.Price,
		"qty", rec.Qty,
		"time", rec.Time,
	)

	if e.decisions != nil {
		if err := e.decisions.RecordDecision(ctx, rec); err != nil {
			e.log.Error("record decision", "error", err)
		}
	}
}

func (e *Engine) syncRisk() {
	s := e.gate.Snapshot()
	e.metrics.SetRisk(s.DailyPnL, s.OpenPositionCount)
}

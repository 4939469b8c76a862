package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"ratchet/internal/domain"
	"ratchet/internal/metrics"
	"ratchet/internal/strategy"
)

// planEvaluator returns a plan with the configured stop on the listed bar
// indexes (counted from 1).
type planEvaluator struct {
	stop  float64
	on    map[int]bool
	calls int
}

func (p *planEvaluator) Name() string { return "plan" }

func (p *planEvaluator) Evaluate(bar domain.Bar, _ []domain.Bar) *strategy.EntryPlan {
	p.calls++
	if !p.on[p.calls] {
		return nil
	}
	return &strategy.EntryPlan{Stop: p.stop, Reason: "test signal"}
}

// fakeExecutor fills every order at its reference price unless a failure is
// queued for that side. buyFill overrides the buy price; shortSells fills
// that many sells for half their quantity.
type fakeExecutor struct {
	failBuys   int
	failSells  int
	shortSells int
	buyFill    float64
	orders     []domain.Order
}

func (x *fakeExecutor) Execute(_ context.Context, o *domain.Order) (*domain.Order, error) {
	x.orders = append(x.orders, *o)
	switch {
	case o.Side == domain.OrderSideBuy && x.failBuys > 0:
		x.failBuys--
		return nil, errors.New("broker unavailable")
	case o.Side == domain.OrderSideSell && x.failSells > 0:
		x.failSells--
		return nil, errors.New("broker unavailable")
	}
	filled := *o
	filled.Status = domain.OrderStatusFilled
	filled.FilledQty = o.Qty
	filled.FilledAvgPrice = o.RefPrice
	filled.UpdatedAt = o.CreatedAt
	if o.Side == domain.OrderSideBuy && x.buyFill > 0 {
		filled.FilledAvgPrice = x.buyFill
	}
	if o.Side == domain.OrderSideSell && x.shortSells > 0 {
		x.shortSells--
		filled.Status = domain.OrderStatusCancelled
		filled.FilledQty = o.Qty / 2
	}
	return &filled, nil
}

func (x *fakeExecutor) sells() []domain.Order {
	var out []domain.Order
	for _, o := range x.orders {
		if o.Side == domain.OrderSideSell {
			out = append(out, o)
		}
	}
	return out
}

type journal struct {
	decisions []domain.DecisionRecord
	trades    []domain.TradeRecord
}

func (j *journal) RecordDecision(_ context.Context, rec domain.DecisionRecord) error {
	j.decisions = append(j.decisions, rec)
	return nil
}

func (j *journal) RecordTrade(_ context.Context, rec domain.TradeRecord) error {
	j.trades = append(j.trades, rec)
	return nil
}

func (j *journal) outcomes() []domain.DecisionOutcome {
	out := make([]domain.DecisionOutcome, len(j.decisions))
	for i, d := range j.decisions {
		out[i] = d.Outcome
	}
	return out
}

type harness struct {
	eng  *Engine
	gate *RiskGate
	exec *fakeExecutor
	jr   *journal
	eval *planEvaluator
}

func newHarness(t *testing.T, limits RiskLimits, eval *planEvaluator) *harness {
	t.Helper()
	h := &harness{
		gate: NewRiskGate(limits),
		exec: &fakeExecutor{},
		jr:   &journal{},
		eval: eval,
	}
	eng, err := New("TEST", Config{
		Lifecycle: defaultCfg(),
		Budget:    strategy.Budget{Capital: 10000, RiskFraction: 0.01},
	}, Deps{
		Gate:      h.gate,
		Evaluator: eval,
		Clock:     stubClock{},
		Executor:  h.exec,
		Decisions: h.jr,
		Trades:    h.jr,
		Metrics:   metrics.New(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.eng = eng
	return h
}

func TestEngineEntryAndStopOut(t *testing.T) {
	h := newHarness(t, RiskLimits{MaxConcurrentPositions: 2}, &planEvaluator{stop: 9, on: map[int]bool{1: true}})
	ctx := context.Background()

	h.eng.OnBar(ctx, mkBar(at(10, 0), 10.1, 9.9, 10))
	pos, ok := h.eng.Position()
	if !ok {
		t.Fatal("no position after entry signal")
	}
	if pos.Quantity != 100 || pos.EntryPrice != 10 || pos.InitialStop != 9 {
		t.Errorf("position = %+v, want 100 @ 10 stop 9", pos)
	}
	if got := h.gate.Snapshot().OpenPositionCount; got != 1 {
		t.Errorf("OpenPositionCount = %d, want 1", got)
	}

	h.eng.OnBar(ctx, mkBar(at(10, 1), 10, 8.5, 8.8))
	if h.eng.HasPosition() {
		t.Fatal("position still open after stop-out")
	}
	s := h.gate.Snapshot()
	if s.DailyPnL != -100 || s.DailyTradeCount != 1 || s.OpenPositionCount != 0 {
		t.Errorf("risk state = %+v, want pnl -100, 1 trade, 0 open", s)
	}
	if len(h.jr.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(h.jr.trades))
	}
	rec := h.jr.trades[0]
	if rec.Strategy != "plan" || rec.ExitReason != domain.ExitHardStop || rec.RMultiple != -1 {
		t.Errorf("trade = %+v, want plan / hard_stop / -1R", rec)
	}
	want := []domain.DecisionOutcome{domain.DecisionEntered, domain.DecisionExitConfirmed}
	if got := h.jr.outcomes(); !equalOutcomes(got, want) {
		t.Errorf("decisions = %v, want %v", got, want)
	}
}

func TestEngineScaleBreakevenAndTrail(t *testing.T) {
	h := newHarness(t, RiskLimits{}, &planEvaluator{stop: 9, on: map[int]bool{1: true}})
	ctx := context.Background()

	h.eng.OnBar(ctx, mkBar(at(10, 0), 10.1, 9.9, 10))
	h.eng.OnBar(ctx, mkBar(at(10, 5), 11, 10.5, 11))

	pos, _ := h.eng.Position()
	if pos.RemainingFraction != 0.5 || pos.CurrentStop != 10 {
		t.Errorf("after tier: fraction=%v stop=%v, want 0.5/10", pos.RemainingFraction, pos.CurrentStop)
	}
	if got := h.gate.Snapshot(); got.DailyPnL != 50 || got.DailyTradeCount != 0 {
		t.Errorf("after tier: risk = %+v, want pnl 50 and no trade counted", got)
	}

	h.eng.OnBar(ctx, mkBar(at(15, 55), 11.6, 11.1, 11.5))
	if h.eng.HasPosition() {
		t.Fatal("position open after session close")
	}
	rec := h.jr.trades[0]
	if rec.ExitReason != domain.ExitSessionClose {
		t.Errorf("ExitReason = %v, want session_close", rec.ExitReason)
	}
	if len(rec.Exits) != 2 || rec.PnL != 125 {
		t.Errorf("exits=%d pnl=%v, want 2 fills and 125", len(rec.Exits), rec.PnL)
	}
	if got := h.gate.Snapshot().DailyTradeCount; got != 1 {
		t.Errorf("DailyTradeCount = %d, want 1", got)
	}

	want := []domain.DecisionOutcome{
		domain.DecisionEntered,
		domain.DecisionStopMoved,
		domain.DecisionExitConfirmed,
		domain.DecisionExitConfirmed,
	}
	if got := h.jr.outcomes(); !equalOutcomes(got, want) {
		t.Errorf("decisions = %v, want %v", got, want)
	}
}

func TestEngineBlockedByGate(t *testing.T) {
	h := newHarness(t, RiskLimits{MaxConcurrentPositions: 1}, &planEvaluator{stop: 9, on: map[int]bool{1: true}})
	h.gate.RecordEntry() // another symbol holds the only slot

	h.eng.OnBar(context.Background(), mkBar(at(10, 0), 10.1, 9.9, 10))
	if h.eng.HasPosition() {
		t.Fatal("entered despite concurrency limit")
	}
	if len(h.exec.orders) != 0 {
		t.Errorf("orders = %d, want 0", len(h.exec.orders))
	}
	if len(h.jr.decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(h.jr.decisions))
	}
	d := h.jr.decisions[0]
	if d.Outcome != domain.DecisionBlocked || d.Reason != string(ConcurrencyLimitHit) {
		t.Errorf("decision = %+v, want blocked / concurrency_limit_hit", d)
	}
}

func TestEngineRejectsBadPlan(t *testing.T) {
	h := newHarness(t, RiskLimits{}, &planEvaluator{stop: 10.5, on: map[int]bool{1: true}})

	h.eng.OnBar(context.Background(), mkBar(at(10, 0), 10.1, 9.9, 10))
	if h.eng.HasPosition() {
		t.Fatal("entered with stop above entry")
	}
	if got := h.jr.outcomes(); !equalOutcomes(got, []domain.DecisionOutcome{domain.DecisionRejected}) {
		t.Errorf("decisions = %v, want [rejected]", got)
	}
	if got := h.gate.Snapshot().OpenPositionCount; got != 0 {
		t.Errorf("OpenPositionCount = %d, want 0 (reservation released)", got)
	}
}

func TestEngineEntryFailureReleasesSlot(t *testing.T) {
	h := newHarness(t, RiskLimits{MaxConcurrentPositions: 1}, &planEvaluator{stop: 9, on: map[int]bool{1: true, 2: true}})
	h.exec.failBuys = 1
	ctx := context.Background()

	h.eng.OnBar(ctx, mkBar(at(10, 0), 10.1, 9.9, 10))
	if h.eng.HasPosition() {
		t.Fatal("position opened on failed entry order")
	}
	if got := h.gate.Snapshot().OpenPositionCount; got != 0 {
		t.Fatalf("OpenPositionCount = %d, want 0", got)
	}

	h.eng.OnBar(ctx, mkBar(at(10, 1), 10.1, 9.9, 10))
	if !h.eng.HasPosition() {
		t.Fatal("second signal did not enter")
	}
	want := []domain.DecisionOutcome{domain.DecisionEntryFailed, domain.DecisionEntered}
	if got := h.jr.outcomes(); !equalOutcomes(got, want) {
		t.Errorf("decisions = %v, want %v", got, want)
	}
}

func TestEngineRetriesFailedExit(t *testing.T) {
	h := newHarness(t, RiskLimits{}, &planEvaluator{stop: 9, on: map[int]bool{1: true}})
	h.exec.failSells = 1
	ctx := context.Background()

	h.eng.OnBar(ctx, mkBar(at(10, 0), 10.1, 9.9, 10))
	h.eng.OnBar(ctx, mkBar(at(10, 1), 10, 8.5, 8.8))

	if !h.eng.HasPosition() {
		t.Fatal("position dropped although its exit was not confirmed")
	}
	if got := len(h.eng.Pending()); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	if s := h.gate.Snapshot(); s.DailyTradeCount != 0 || s.DailyPnL != 0 {
		t.Errorf("unconfirmed exit booked: %+v", s)
	}

	h.eng.OnBar(ctx, mkBar(at(10, 2), 9, 8, 8.5))
	if h.eng.HasPosition() {
		t.Fatal("position still open after retry")
	}
	sells := h.exec.sells()
	if len(sells) != 2 {
		t.Fatalf("sell orders = %d, want 2", len(sells))
	}
	if sells[0].ClientOrderID != sells[1].ClientOrderID {
		t.Errorf("retry used client ID %q, first attempt %q", sells[1].ClientOrderID, sells[0].ClientOrderID)
	}
	if s := h.gate.Snapshot(); s.DailyTradeCount != 1 || s.DailyPnL != -100 || s.OpenPositionCount != 0 {
		t.Errorf("risk state = %+v, want 1 trade, pnl -100, 0 open", s)
	}
	want := []domain.DecisionOutcome{
		domain.DecisionEntered,
		domain.DecisionExitFailed,
		domain.DecisionExitConfirmed,
	}
	if got := h.jr.outcomes(); !equalOutcomes(got, want) {
		t.Errorf("decisions = %v, want %v", got, want)
	}
}

func TestEngineKeepsShortFilledExitPending(t *testing.T) {
	h := newHarness(t, RiskLimits{}, &planEvaluator{stop: 9, on: map[int]bool{1: true}})
	ctx := context.Background()

	h.eng.OnBar(ctx, mkBar(at(10, 0), 10.1, 9.9, 10))
	h.exec.shortSells = 1
	if err := h.eng.Liquidate(ctx, mkBar(at(11, 0), 10.6, 10.4, 10.5)); !errors.Is(err, ErrDrainIncomplete) {
		t.Fatalf("Liquidate with a short fill: err = %v, want ErrDrainIncomplete", err)
	}
	if got := len(h.eng.Pending()); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	if s := h.gate.Snapshot(); s.DailyTradeCount != 0 || s.OpenPositionCount != 1 {
		t.Errorf("short fill booked as an exit: %+v", s)
	}

	if err := h.eng.Liquidate(ctx, mkBar(at(11, 1), 10.6, 10.4, 10.5)); err != nil {
		t.Fatalf("Liquidate retry: %v", err)
	}
	if h.eng.HasPosition() {
		t.Fatal("position open after the full fill")
	}
	sells := h.exec.sells()
	if len(sells) != 2 || sells[0].ClientOrderID != sells[1].ClientOrderID {
		t.Errorf("sells = %+v, want two attempts under one client ID", sells)
	}
	want := []domain.DecisionOutcome{
		domain.DecisionEntered,
		domain.DecisionExitFailed,
		domain.DecisionExitConfirmed,
	}
	if got := h.jr.outcomes(); !equalOutcomes(got, want) {
		t.Errorf("decisions = %v, want %v", got, want)
	}
}

func TestEngineEntryFilledThroughStop(t *testing.T) {
	h := newHarness(t, RiskLimits{}, &planEvaluator{stop: 9, on: map[int]bool{1: true}})
	h.exec.buyFill = 8.8
	ctx := context.Background()

	h.eng.OnBar(ctx, mkBar(at(10, 0), 10.1, 9.9, 10))
	if h.eng.HasPosition() {
		t.Fatal("position still open after a fill through the stop")
	}
	sells := h.exec.sells()
	if len(sells) != 1 || sells[0].Qty != 100 || sells[0].RefPrice != 8.8 {
		t.Fatalf("sells = %+v, want 100 shares at 8.8", sells)
	}

	trades := h.eng.Trades()
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	rec := trades[0]
	if rec.EntryPrice != 8.8 || rec.ExitReason != domain.ExitHardStop || rec.PnL != 0 {
		t.Errorf("trade = %+v, want hard stop entered and exited at 8.8", rec)
	}
	if h.jr.decisions[0].Price != 8.8 {
		t.Errorf("entry decision price = %v, want the real fill 8.8", h.jr.decisions[0].Price)
	}
	if s := h.gate.Snapshot(); s.DailyTradeCount != 1 || s.OpenPositionCount != 0 {
		t.Errorf("risk state = %+v, want 1 trade, 0 open", s)
	}
}

func TestEngineNoEntryPastCutoff(t *testing.T) {
	eval := &planEvaluator{stop: 9, on: map[int]bool{1: true}}
	h := newHarness(t, RiskLimits{}, eval)

	h.eng.OnBar(context.Background(), mkBar(at(15, 56), 10.1, 9.9, 10))
	if h.eng.HasPosition() || eval.calls != 0 {
		t.Errorf("evaluated or entered after the session cutoff (calls=%d)", eval.calls)
	}
}

func TestEngineLiquidate(t *testing.T) {
	h := newHarness(t, RiskLimits{}, &planEvaluator{stop: 9, on: map[int]bool{1: true}})
	ctx := context.Background()

	h.eng.OnBar(ctx, mkBar(at(10, 0), 10.1, 9.9, 10))
	h.exec.failSells = 1
	if err := h.eng.Liquidate(ctx, mkBar(at(11, 0), 10.6, 10.4, 10.5)); !errors.Is(err, ErrDrainIncomplete) {
		t.Fatalf("Liquidate with failing broker: err = %v, want ErrDrainIncomplete", err)
	}
	if err := h.eng.Liquidate(ctx, mkBar(at(11, 1), 10.6, 10.4, 10.5)); err != nil {
		t.Fatalf("Liquidate retry: %v", err)
	}
	if h.eng.HasPosition() {
		t.Fatal("position open after drain")
	}
	rec := h.eng.Trades()[0]
	if rec.ExitReason != domain.ExitLiquidation || rec.PnL != 50 {
		t.Errorf("trade = %+v, want liquidation with pnl 50", rec)
	}
	if err := h.eng.Liquidate(ctx, mkBar(at(11, 2), 10.6, 10.4, 10.5)); err != nil {
		t.Errorf("Liquidate while flat: %v", err)
	}
}

func TestEngineRollsGateOver(t *testing.T) {
	h := newHarness(t, RiskLimits{MaxTradesPerDay: 1}, &planEvaluator{stop: 9, on: map[int]bool{1: true, 3: true, 4: true}})
	ctx := context.Background()

	h.eng.OnBar(ctx, mkBar(at(10, 0), 10.1, 9.9, 10))
	h.eng.OnBar(ctx, mkBar(at(10, 1), 10, 8.5, 8.8))
	h.eng.OnBar(ctx, mkBar(at(10, 2), 10.1, 9.9, 10))
	if h.eng.HasPosition() {
		t.Fatal("entered past the trade-count limit")
	}

	next := at(10, 0).AddDate(0, 0, 1)
	h.eng.OnBar(ctx, mkBar(next, 10.1, 9.9, 10))
	if !h.eng.HasPosition() {
		t.Fatal("no entry on the next session-day")
	}
	if got := h.gate.Snapshot().Day; got != "2024-06-04" {
		t.Errorf("gate day = %q, want 2024-06-04", got)
	}
}

func TestNewValidatesDeps(t *testing.T) {
	if _, err := New("TEST", Config{}, Deps{}); err == nil {
		t.Error("New with no deps returned nil error")
	}
	_, err := New("TEST", Config{Lifecycle: LifecycleConfig{TargetR: -1}}, Deps{
		Gate:      NewRiskGate(RiskLimits{}),
		Evaluator: &planEvaluator{},
		Clock:     stubClock{},
		Executor:  &fakeExecutor{},
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New with bad lifecycle: err = %v, want ErrInvalidConfig", err)
	}
}

func equalOutcomes(a, b []domain.DecisionOutcome) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package backtest

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ratchet/internal/domain"
	"ratchet/internal/engine"
	"ratchet/internal/store"
	"ratchet/internal/strategy"
	"ratchet/internal/strategy/builtins"
	"ratchet/internal/util"
)

var session = time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC) // 9:30 New York

func bar(sym string, minute int, high, low, close float64) domain.Bar {
	return domain.Bar{
		Symbol:    sym,
		Timestamp: session.Add(time.Duration(minute) * time.Minute),
		Open:      close,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    1000,
	}
}

// breakoutDay is an opening range of 99.5-101, a breakout at 101.5 on
// minute 15, a 1R tier on minute 16 and a stop-out at breakeven on minute 17.
func breakoutDay(sym string) []domain.Bar {
	var bars []domain.Bar
	for m := 0; m < 15; m++ {
		bars = append(bars, bar(sym, m, 101, 99.5, 100.5))
	}
	return append(bars,
		bar(sym, 15, 102, 100.8, 101.5),
		bar(sym, 16, 103.8, 102.5, 103.5),
		bar(sym, 17, 102, 101.4, 101.6),
		bar(sym, 18, 101.8, 101.2, 101.5),
	)
}

func flatDay(sym string) []domain.Bar {
	var bars []domain.Bar
	for m := 0; m < 30; m++ {
		bars = append(bars, bar(sym, m, 50.5, 49.5, 50))
	}
	return bars
}

type fixture struct {
	cfg  Config
	deps Deps
}

func newFixture(t *testing.T, bars ...[]domain.Bar) *fixture {
	t.Helper()
	ps := store.NewParquetStore(t.TempDir())
	for _, b := range bars {
		if err := ps.WriteBars(context.Background(), b); err != nil {
			t.Fatalf("WriteBars: %v", err)
		}
	}
	cal, err := util.NewTradingCalendar(domain.MarketUS)
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}
	reg := strategy.NewRegistry()
	builtins.Register(reg)

	return &fixture{
		cfg: Config{
			Strategy: builtins.OpeningRangeName,
			Params:   strategy.Params{"range_minutes": 15},
			Lifecycle: engine.LifecycleConfig{
				Tiers:             []domain.Tier{{TriggerR: 1, Fraction: 0.5}},
				BreakevenTriggerR: 1,
			},
			Symbols:      []string{"AAPL", "MSFT"},
			Start:        session.Add(-time.Hour),
			End:          session.Add(7 * time.Hour),
			Capital:      100000,
			RiskFraction: 0.01,
			MaxNotional:  100000,
			Workers:      1,
		},
		deps: Deps{
			Bars:     ps,
			Registry: reg,
			Clock:    cal,
			Logger:   util.Discard(),
		},
	}
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t, breakoutDay("AAPL"), flatDay("MSFT"))
	f.cfg.ExportPath = filepath.Join(t.TempDir(), "trades.parquet")

	res, err := Run(context.Background(), f.cfg, f.deps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	// 500 shares risking 2 each; half banked at +2, half stopped at entry.
	if tr.Symbol != "AAPL" || tr.Quantity != 500 || tr.EntryPrice != 101.5 {
		t.Errorf("trade = %+v", tr)
	}
	if tr.PnL != 500 || tr.RMultiple != 0.5 || tr.ExitReason != domain.ExitHardStop {
		t.Errorf("pnl/r/reason = %v/%v/%s, want 500/0.5/hard_stop", tr.PnL, tr.RMultiple, tr.ExitReason)
	}
	if tr.Strategy != "orb" {
		t.Errorf("Strategy = %q, want orb", tr.Strategy)
	}

	if res.TotalReturn != 0.005 || res.FinalEquity != 100500 {
		t.Errorf("return/equity = %v/%v, want 0.005/100500", res.TotalReturn, res.FinalEquity)
	}
	if res.WinRate != 1 || res.AvgR != 0.5 || !math.IsInf(res.ProfitFactor, 1) {
		t.Errorf("win rate/avg R/profit factor = %v/%v/%v", res.WinRate, res.AvgR, res.ProfitFactor)
	}
	if res.Days != 1 || res.MaxDrawdown != 0 || res.Sharpe != 0 {
		t.Errorf("days/drawdown/sharpe = %d/%v/%v", res.Days, res.MaxDrawdown, res.Sharpe)
	}

	counts := res.Outcomes()
	if counts[domain.DecisionEntered] != 1 || counts[domain.DecisionStopMoved] != 1 || counts[domain.DecisionExitConfirmed] != 2 {
		t.Errorf("outcomes = %v", counts)
	}

	rows, err := store.ReadTradeRows(f.cfg.ExportPath)
	if err != nil {
		t.Fatalf("ReadTradeRows: %v", err)
	}
	if len(rows) != 1 || rows[0].PnL != 500 {
		t.Errorf("exported rows = %+v", rows)
	}

	var buf bytes.Buffer
	if err := res.WriteSummary(&buf); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	if !strings.Contains(buf.String(), "trades          1") {
		t.Errorf("summary missing trade count:\n%s", buf.String())
	}
}

func TestRunSharedGate(t *testing.T) {
	f := newFixture(t, breakoutDay("AAPL"), breakoutDay("MSFT"))
	f.cfg.Limits = engine.RiskLimits{MaxConcurrentPositions: 1}

	res, err := Run(context.Background(), f.cfg, f.deps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].Symbol != "AAPL" {
		t.Fatalf("trades = %+v, want only AAPL", res.Trades)
	}

	var blocked []domain.DecisionRecord
	for _, d := range res.Decisions {
		if d.Outcome == domain.DecisionBlocked {
			blocked = append(blocked, d)
		}
	}
	if len(blocked) != 1 || blocked[0].Symbol != "MSFT" || blocked[0].Reason != string(engine.ConcurrencyLimitHit) {
		t.Errorf("blocked = %+v, want one MSFT concurrency block", blocked)
	}
}

func TestRunParallel(t *testing.T) {
	f := newFixture(t, breakoutDay("AAPL"), breakoutDay("MSFT"))
	f.cfg.Workers = 4

	res, err := Run(context.Background(), f.cfg, f.deps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	if res.Trades[0].Symbol != "AAPL" || res.Trades[1].Symbol != "MSFT" {
		t.Errorf("trades not ordered by entry then symbol: %s, %s", res.Trades[0].Symbol, res.Trades[1].Symbol)
	}
	if res.FinalEquity != 101000 {
		t.Errorf("FinalEquity = %v, want 101000", res.FinalEquity)
	}
}

// markedEntry enters one point under the close of every bar with volume
// 2000.
type markedEntry struct{}

func (markedEntry) Name() string { return "marked" }

func (markedEntry) Evaluate(bar domain.Bar, _ []domain.Bar) *strategy.EntryPlan {
	if bar.Volume != 2000 {
		return nil
	}
	return &strategy.EntryPlan{Stop: bar.Close - 1, Reason: "marked bar"}
}

func marked(b domain.Bar) domain.Bar {
	b.Volume = 2000
	return b
}

func nextDay(bars ...domain.Bar) []domain.Bar {
	for i := range bars {
		bars[i].Timestamp = bars[i].Timestamp.Add(24 * time.Hour)
	}
	return bars
}

func TestRunParallelHoldsDailyLossAcrossDays(t *testing.T) {
	// AAPL loses 1000 on June 3 and signals again the same day. MSFT only
	// trades June 4, so its replay must not reopen AAPL's day.
	aapl := []domain.Bar{
		marked(bar("AAPL", 0, 50.5, 49.5, 50)),
		bar("AAPL", 1, 50, 48.5, 48.8),
		marked(bar("AAPL", 2, 49.2, 48.8, 49)),
		bar("AAPL", 3, 49.2, 48.8, 49),
	}
	msft := nextDay(
		marked(bar("MSFT", 0, 30.5, 29.5, 30)),
		bar("MSFT", 1, 30.5, 29.8, 30.2),
	)
	f := newFixture(t, aapl, msft)
	f.deps.Registry.Register("marked", func(strategy.Params, strategy.Clock) (strategy.SignalEvaluator, error) {
		return markedEntry{}, nil
	})
	f.cfg.Strategy = "marked"
	f.cfg.End = session.Add(31 * time.Hour)
	f.cfg.Limits = engine.RiskLimits{MaxDailyLoss: 500}
	f.cfg.Workers = 4

	res, err := Run(context.Background(), f.cfg, f.deps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var blocked []domain.DecisionRecord
	for _, d := range res.Decisions {
		if d.Outcome == domain.DecisionBlocked {
			blocked = append(blocked, d)
		}
	}
	if len(blocked) != 1 || blocked[0].Symbol != "AAPL" || blocked[0].Reason != string(engine.DailyLossLimitHit) {
		t.Fatalf("blocked = %+v, want one AAPL daily loss block", blocked)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	if res.Trades[0].Symbol != "AAPL" || res.Trades[0].PnL != -1000 {
		t.Errorf("first trade = %s %v, want AAPL -1000", res.Trades[0].Symbol, res.Trades[0].PnL)
	}
	if res.Trades[1].Symbol != "MSFT" {
		t.Errorf("second trade = %s, want MSFT on the next day", res.Trades[1].Symbol)
	}
	if res.Days != 2 {
		t.Errorf("Days = %d, want 2", res.Days)
	}
}

func TestRunLiquidatesAtEndOfData(t *testing.T) {
	bars := breakoutDay("AAPL")[:17] // ends right after the tier
	f := newFixture(t, bars)
	f.cfg.Symbols = []string{"AAPL"}

	res, err := Run(context.Background(), f.cfg, f.deps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if got := res.Trades[0].ExitReason; got != domain.ExitLiquidation {
		t.Errorf("ExitReason = %s, want liquidation", got)
	}
	// Both halves exit at 103.5.
	if res.Trades[0].PnL != 1000 {
		t.Errorf("PnL = %v, want 1000", res.Trades[0].PnL)
	}
}

func TestRunValidates(t *testing.T) {
	f := newFixture(t)
	cfg := f.cfg
	cfg.Capital = 0
	if _, err := Run(context.Background(), cfg, f.deps); err == nil {
		t.Error("Run accepted zero capital")
	}
	cfg = f.cfg
	cfg.Symbols = nil
	if _, err := Run(context.Background(), cfg, f.deps); err == nil {
		t.Error("Run accepted no symbols")
	}
	cfg = f.cfg
	cfg.Strategy = "nope"
	if _, err := Run(context.Background(), cfg, f.deps); err == nil {
		t.Error("Run accepted an unknown strategy")
	}
}

func TestSharpe(t *testing.T) {
	if got := sharpe([]float64{0.01}); got != 0 {
		t.Errorf("single return sharpe = %v, want 0", got)
	}
	if got := sharpe([]float64{0.01, 0.01}); got != 0 {
		t.Errorf("constant returns sharpe = %v, want 0", got)
	}
	// mean 0.01, sample variance 0.0002.
	got := sharpe([]float64{0, 0.02})
	want := math.Sqrt(252) * 0.01 / math.Sqrt(0.0002)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("sharpe = %v, want %v", got, want)
	}
}

package backtest

import (
	"fmt"
	"io"
	"math"
	"sort"

	"ratchet/internal/domain"
)

// tradingDaysPerYear annualises the daily Sharpe ratio.
const tradingDaysPerYear = 252

// Result summarises a backtest.
type Result struct {
	Capital      float64
	FinalEquity  float64
	TotalReturn  float64 // fraction of starting capital
	Sharpe       float64 // annualised, from daily returns
	MaxDrawdown  float64 // fraction of the running peak
	WinRate      float64
	ProfitFactor float64 // +Inf when there are no losing trades
	AvgR         float64
	Days         int

	Trades    []domain.TradeRecord
	Decisions []domain.DecisionRecord
}

func newResult(capital float64, trades []domain.TradeRecord, decisions []domain.DecisionRecord, days map[string]bool, clock Clock) *Result {
	res := &Result{
		Capital:   capital,
		Trades:    trades,
		Decisions: decisions,
	}

	dailyPnL := make(map[string]float64, len(days))
	var (
		total, grossWin, grossLoss, sumR float64
		wins                             int
	)
	for _, t := range trades {
		total += t.PnL
		sumR += t.RMultiple
		switch {
		case t.PnL > 0:
			wins++
			grossWin += t.PnL
		case t.PnL < 0:
			grossLoss -= t.PnL
		}
		day := clock.SessionDay(t.ExitTime())
		dailyPnL[day] += t.PnL
		days[day] = true
	}
	res.Days = len(days)
	res.FinalEquity = capital + total
	res.TotalReturn = total / capital

	if n := len(trades); n > 0 {
		res.WinRate = float64(wins) / float64(n)
		res.AvgR = sumR / float64(n)
		switch {
		case grossLoss > 0:
			res.ProfitFactor = grossWin / grossLoss
		case grossWin > 0:
			res.ProfitFactor = math.Inf(1)
		}
	}

	ordered := make([]string, 0, len(days))
	for d := range days {
		ordered = append(ordered, d)
	}
	sort.Strings(ordered)

	returns := make([]float64, 0, len(ordered))
	equity, peak := capital, capital
	for _, d := range ordered {
		pnl := dailyPnL[d]
		returns = append(returns, pnl/equity)
		equity += pnl
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > res.MaxDrawdown {
			res.MaxDrawdown = dd
		}
	}
	res.Sharpe = sharpe(returns)
	return res
}

// sharpe returns the annualised Sharpe ratio of daily returns with a zero
// risk-free rate, or zero when it is undefined.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}

// Outcomes counts decision records by outcome.
func (r *Result) Outcomes() map[domain.DecisionOutcome]int {
	out := make(map[domain.DecisionOutcome]int)
	for _, d := range r.Decisions {
		out[d.Outcome]++
	}
	return out
}

// WriteSummary prints a human-readable summary.
func (r *Result) WriteSummary(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"days            %d\n"+
			"trades          %d\n"+
			"final equity    %.2f\n"+
			"total return    %.2f%%\n"+
			"sharpe (daily)  %.2f\n"+
			"max drawdown    %.2f%%\n"+
			"win rate        %.1f%%\n"+
			"profit factor   %.2f\n"+
			"average R       %.2f\n",
		r.Days, len(r.Trades), r.FinalEquity, r.TotalReturn*100, r.Sharpe,
		r.MaxDrawdown*100, r.WinRate*100, r.ProfitFactor, r.AvgR,
	)
	if err != nil {
		return err
	}

	counts := r.Outcomes()
	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		if _, err := fmt.Fprintf(w, "decisions %-14s %d\n", o, counts[domain.DecisionOutcome(o)]); err != nil {
			return err
		}
	}
	return nil
}

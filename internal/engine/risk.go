package engine

import (
	"fmt"
	"sync"
)

// RejectReason names the risk limit that denied an entry.
type RejectReason string

const (
	DailyLossLimitHit   RejectReason = "daily_loss_limit_hit"
	TradeCountLimitHit  RejectReason = "trade_count_limit_hit"
	ConcurrencyLimitHit RejectReason = "concurrency_limit_hit"
)

// RejectError is returned by the gate when an entry is not admitted.
type RejectError struct {
	Reason RejectReason
	State  RiskState
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("entry rejected: %s (pnl=%.2f trades=%d open=%d)",
		e.Reason, e.State.DailyPnL, e.State.DailyTradeCount, e.State.OpenPositionCount)
}

// RiskLimits are the admission thresholds. A non-positive limit disables its
// check.
type RiskLimits struct {
	MaxDailyLoss           float64
	MaxTradesPerDay        int
	MaxConcurrentPositions int
}

// RiskState is the process-wide risk tally for one session-day.
type RiskState struct {
	Day               string
	DailyPnL          float64
	DailyTradeCount   int
	OpenPositionCount int
}

// RiskGate enforces pre-trade risk rules across every symbol sharing one
// capital pool. All methods are safe for concurrent use; updates are
// serialized by a single mutex.
type RiskGate struct {
	mu     sync.Mutex
	limits RiskLimits
	state  RiskState
}

// NewRiskGate creates a RiskGate with the given limits and a zeroed state.
func NewRiskGate(limits RiskLimits) *RiskGate {
	return &RiskGate{limits: limits}
}

// Limits returns the configured thresholds.
func (g *RiskGate) Limits() RiskLimits { return g.limits }

// MayEnter checks, in order, the daily loss cap, the trade-count cap and the
// concurrency cap. The first failing check wins. It never mutates state.
func (g *RiskGate) MayEnter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check()
}

// TryEnter is MayEnter followed by RecordEntry under one lock, so two
// symbols evaluated in parallel cannot both take the last slot.
func (g *RiskGate) TryEnter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(); err != nil {
		return err
	}
	g.state.OpenPositionCount++
	return nil
}

// RecordEntry counts a newly opened position.
func (g *RiskGate) RecordEntry() {
	g.mu.Lock()
	g.state.OpenPositionCount++
	g.mu.Unlock()
}

// ReleaseEntry undoes an admission whose entry never filled.
func (g *RiskGate) ReleaseEntry() {
	g.mu.Lock()
	if g.state.OpenPositionCount > 0 {
		g.state.OpenPositionCount--
	}
	g.mu.Unlock()
}

// RecordExit books a confirmed exit fill. Every fill adds its pnl; only the
// final tranche of a position counts as a trade and frees a position slot,
// so partial scales can never be double counted.
func (g *RiskGate) RecordExit(ev ExitEvent, pnl float64) {
	if !ev.Kind.Realizing() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.DailyPnL += pnl
	if ev.Final {
		g.state.DailyTradeCount++
		if g.state.OpenPositionCount > 0 {
			g.state.OpenPositionCount--
		}
	}
}

// RollOver resets the daily counters when day is later than the current
// session-day and reports whether it did. Day keys are YYYY-MM-DD, so a day
// at or before the current one is ignored and the counters stand. Open
// positions carry over: they are still open.
func (g *RiskGate) RollOver(day string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if day <= g.state.Day {
		return false
	}
	g.state.Day = day
	g.state.DailyPnL = 0
	g.state.DailyTradeCount = 0
	return true
}

// Snapshot returns a copy of the current state.
func (g *RiskGate) Snapshot() RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// check must be called with mu held.
func (g *RiskGate) check() error {
	s := g.state
	switch {
	case g.limits.MaxDailyLoss > 0 && s.DailyPnL <= -g.limits.MaxDailyLoss:
		return &RejectError{Reason: DailyLossLimitHit, State: s}
	case g.limits.MaxTradesPerDay > 0 && s.DailyTradeCount >= g.limits.MaxTradesPerDay:
		return &RejectError{Reason: TradeCountLimitHit, State: s}
	case g.limits.MaxConcurrentPositions > 0 && s.OpenPositionCount >= g.limits.MaxConcurrentPositions:
		return &RejectError{Reason: ConcurrencyLimitHit, State: s}
	}
	return nil
}

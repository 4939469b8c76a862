// Package builtins provides built-in entry rules that ship with ratchet.
package builtins

import (
	"fmt"
	"math"

	"ratchet/internal/domain"
	"ratchet/internal/strategy"
)

// Compile-time interface check.
var _ strategy.SignalEvaluator = (*OpeningRange)(nil)

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register(OpeningRangeName, NewOpeningRangeFactory())
	r.Register(SMACrossName, NewSMACrossFactory())
}

// OpeningRangeName is the registry key of the opening-range breakout.
const OpeningRangeName = "orb"

// OpeningRange implements an opening-range breakout. The first rangeMinutes
// of the session build the range; the first later close above the range high
// enters with the stop under the range low. One entry per session-day.
type OpeningRange struct {
	rangeMinutes int
	stopATR      float64
	clock        strategy.Clock

	day     string
	high    float64
	low     float64
	formed  bool
	entered bool
}

// NewOpeningRangeFactory returns a factory reading "range_minutes" (default
// 15) and "stop_atr_buffer" (default 0, ATR multiples below the range low).
func NewOpeningRangeFactory() strategy.Factory {
	return func(params strategy.Params, clock strategy.Clock) (strategy.SignalEvaluator, error) {
		minutes := params.Get("range_minutes", 15)
		if minutes < 1 {
			return nil, fmt.Errorf("orb: range_minutes %.0f must be at least 1", minutes)
		}
		buffer := params.Get("stop_atr_buffer", 0)
		if buffer < 0 {
			return nil, fmt.Errorf("orb: negative stop_atr_buffer")
		}
		return NewOpeningRange(int(minutes), buffer, clock), nil
	}
}

// NewOpeningRange creates an OpeningRange evaluator.
func NewOpeningRange(rangeMinutes int, stopATRBuffer float64, clock strategy.Clock) *OpeningRange {
	return &OpeningRange{
		rangeMinutes: rangeMinutes,
		stopATR:      stopATRBuffer,
		clock:        clock,
	}
}

// Name returns "orb".
func (s *OpeningRange) Name() string { return OpeningRangeName }

// Evaluate processes a bar and returns a plan on the breakout bar.
func (s *OpeningRange) Evaluate(bar domain.Bar, _ []domain.Bar) *strategy.EntryPlan {
	if day := s.clock.SessionDay(bar.Timestamp); day != s.day {
		s.day = day
		s.high, s.low = 0, math.MaxFloat64
		s.formed, s.entered = false, false
	}
	if !s.clock.IsMarketOpen(bar.Timestamp) {
		return nil
	}

	if s.clock.MinutesSinceOpen(bar.Timestamp) < s.rangeMinutes {
		s.high = math.Max(s.high, bar.High)
		s.low = math.Min(s.low, bar.Low)
		s.formed = true
		return nil
	}
	if !s.formed || s.entered || bar.Close <= s.high {
		return nil
	}

	s.entered = true
	return &strategy.EntryPlan{
		Stop:   s.low - s.stopATR*bar.ATR,
		Reason: fmt.Sprintf("close %.2f above opening range high %.2f", bar.Close, s.high),
	}
}

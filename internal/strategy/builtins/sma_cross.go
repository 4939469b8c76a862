package builtins

import (
	"fmt"

	"ratchet/internal/domain"
	"ratchet/internal/strategy"
)

// Compile-time interface check.
var _ strategy.SignalEvaluator = (*SMACross)(nil)

// SMACrossName is the registry key of the moving-average crossover.
const SMACrossName = "sma-cross"

// SMACross enters when the short-period SMA of closes crosses above the
// long-period SMA. The stop sits stopATR ATRs under the close, so no entry
// is taken until the feed has a warmed-up ATR.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	stopATR     float64
	clock       strategy.Clock

	prevAbove bool
	primed    bool
}

// NewSMACrossFactory returns a factory reading "short" (default 9), "long"
// (default 21) and "stop_atr" (default 1.5).
func NewSMACrossFactory() strategy.Factory {
	return func(params strategy.Params, clock strategy.Clock) (strategy.SignalEvaluator, error) {
		short := int(params.Get("short", 9))
		long := int(params.Get("long", 21))
		if short < 1 || long <= short {
			return nil, fmt.Errorf("sma-cross: need 1 <= short < long, got %d/%d", short, long)
		}
		stop := params.Get("stop_atr", 1.5)
		if stop <= 0 {
			return nil, fmt.Errorf("sma-cross: stop_atr must be positive")
		}
		return NewSMACross(short, long, stop, clock), nil
	}
}

// NewSMACross creates a new SMACross evaluator with the specified short and
// long moving average periods.
func NewSMACross(short, long int, stopATR float64, clock strategy.Clock) *SMACross {
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		stopATR:     stopATR,
		clock:       clock,
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return SMACrossName
}

// Evaluate returns a plan on the bar where the short SMA crosses above the
// long SMA during regular hours.
func (s *SMACross) Evaluate(bar domain.Bar, history []domain.Bar) *strategy.EntryPlan {
	if len(history) < s.longPeriod {
		return nil
	}
	short := smaClose(history[len(history)-s.shortPeriod:])
	long := smaClose(history[len(history)-s.longPeriod:])
	above := short > long

	crossed := s.primed && above && !s.prevAbove
	s.prevAbove, s.primed = above, true

	if !crossed || bar.ATR <= 0 || !s.clock.IsMarketOpen(bar.Timestamp) {
		return nil
	}
	return &strategy.EntryPlan{
		Stop:   bar.Close - s.stopATR*bar.ATR,
		Reason: fmt.Sprintf("sma%d %.2f crossed above sma%d %.2f", s.shortPeriod, short, s.longPeriod, long),
	}
}

func smaClose(bars []domain.Bar) float64 {
	var sum float64
	for _, b := range bars {
		sum += b.Close
	}
	return sum / float64(len(bars))
}

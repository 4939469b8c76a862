// Package feed delivers 1-minute bars to the engines with the ATR indicator
// filled in. AlpacaFeed polls the Alpaca market-data API; Replay serves bars
// from a BarStore for backtests.
package feed

import (
	"context"
	"math"
	"strings"
	"sync"

	"ratchet/internal/domain"
)

// DefaultATRPeriod is the Wilder period used when none is configured.
const DefaultATRPeriod = 14

// Feed returns the bars of a symbol that have completed since the previous
// call, oldest first. An empty slice means nothing new.
type Feed interface {
	Next(ctx context.Context, symbol string) ([]domain.Bar, error)
}

// ---------------------------------------------------------------------------
// ATR
// ---------------------------------------------------------------------------

// ATR is Wilder's average true range. The first Period true ranges are
// averaged to seed it; until then Value is zero.
type ATR struct {
	Period int

	n         int
	sum       float64
	value     float64
	prevClose float64
}

// NewATR returns an ATR with the given period, or DefaultATRPeriod when
// period < 1.
func NewATR(period int) *ATR {
	if period < 1 {
		period = DefaultATRPeriod
	}
	return &ATR{Period: period}
}

// Update folds one bar in and returns the current value.
func (a *ATR) Update(b domain.Bar) float64 {
	tr := b.High - b.Low
	if a.n > 0 {
		tr = math.Max(tr, math.Max(math.Abs(b.High-a.prevClose), math.Abs(b.Low-a.prevClose)))
	}
	a.prevClose = b.Close
	a.n++

	switch {
	case a.n < a.Period:
		a.sum += tr
	case a.n == a.Period:
		a.sum += tr
		a.value = a.sum / float64(a.Period)
	default:
		a.value = (a.value*float64(a.Period-1) + tr) / float64(a.Period)
	}
	return a.value
}

// Value returns the current ATR, zero while warming up.
func (a *ATR) Value() float64 { return a.value }

// Enricher keeps one ATR per symbol and stamps it onto bars.
type Enricher struct {
	period int

	mu  sync.Mutex
	atr map[string]*ATR
}

// NewEnricher creates an Enricher with the given ATR period.
func NewEnricher(period int) *Enricher {
	return &Enricher{period: period, atr: make(map[string]*ATR)}
}

// Enrich sets Bar.ATR on each bar in place. Bars must arrive in time order
// per symbol.
func (e *Enricher) Enrich(bars []domain.Bar) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range bars {
		sym := strings.ToUpper(bars[i].Symbol)
		a, ok := e.atr[sym]
		if !ok {
			a = NewATR(e.period)
			e.atr[sym] = a
		}
		bars[i].ATR = a.Update(bars[i])
	}
}

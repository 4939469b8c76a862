package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ratchet/internal/domain"
	"ratchet/internal/store"
)

var _ Feed = (*Replay)(nil)

// Replay serves stored bars for [start, end]. The first Next for a symbol
// returns the whole range with ATR filled in; later calls return nothing.
type Replay struct {
	store      store.BarStore
	start, end time.Time
	period     int

	mu   sync.Mutex
	done map[string]bool
}

// NewReplay creates a replay feed over s.
func NewReplay(s store.BarStore, start, end time.Time, atrPeriod int) *Replay {
	return &Replay{
		store:  s,
		start:  start,
		end:    end,
		period: atrPeriod,
		done:   make(map[string]bool),
	}
}

// Next implements Feed.
func (r *Replay) Next(ctx context.Context, symbol string) ([]domain.Bar, error) {
	symbol = strings.ToUpper(symbol)
	r.mu.Lock()
	if r.done[symbol] {
		r.mu.Unlock()
		return nil, nil
	}
	r.done[symbol] = true
	r.mu.Unlock()

	bars, err := r.store.ReadBars(ctx, symbol, r.start, r.end)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", symbol, err)
	}
	atr := NewATR(r.period)
	for i := range bars {
		bars[i].Symbol = symbol
		bars[i].ATR = atr.Update(bars[i])
	}
	return bars, nil
}

package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"ratchet/internal/domain"
)

// SessionClock tells the lifecycle and the engine where a timestamp sits in
// the trading session.
type SessionClock interface {
	IsSessionClosing(t time.Time) bool
	MinutesSinceOpen(t time.Time) int
	SessionDay(t time.Time) string
}

// State is the lifecycle stage of a position.
type State int

const (
	// StateActive positions are fed bars and may emit exits.
	StateActive State = iota
	// StatePendingClose positions have emitted their final exit but at
	// least one exit is not yet confirmed by the broker.
	StatePendingClose
	// StateClosed positions are fully exited and confirmed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePendingClose:
		return "pending_close"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TierState is a tier plus its one-way fired flag.
type TierState struct {
	domain.Tier
	Fired bool
}

// Position is one open long trade.
type Position struct {
	Symbol            string
	EntryPrice        float64
	EntryTime         time.Time
	InitialStop       float64
	RiskPerUnit       float64
	Quantity          int64
	CurrentStop       float64
	RemainingFraction float64
	HighestPrice      float64
	Tiers             []TierState
	BreakevenMoved    bool
	TrailingActive    bool
}

// ExitEvent is a single decision produced by OnBar. It is never mutated after
// creation. Shares is the quantity the broker must sell; Final marks the event
// that consumes the rest of the position.
type ExitEvent struct {
	Seq            int
	Symbol         string
	Kind           domain.ExitKind
	Price          float64
	FractionClosed float64
	Shares         int64
	RMultiple      float64
	Timestamp      time.Time
	Final          bool
}

// Lifecycle owns one position and its exit ladder. A Lifecycle only exists
// once Open has validated the entry, and it refuses bars once closed.
//
// It is not safe for concurrent use: the replay or polling loop that drives
// it is its only owner.
type Lifecycle struct {
	pos   Position
	cfg   LifecycleConfig
	clock SessionClock

	state     State
	seq       int
	allocated int64 // shares assigned to emitted realizing events
	pending   map[int]ExitEvent

	fills     []domain.ExitFill
	realized  float64
	finalKind domain.ExitKind
	finalAt   time.Time
}

// Open validates the entry and starts a lifecycle. The stop must sit below
// the entry; tiers come from cfg and are assumed validated.
func Open(symbol string, entryPrice, stop float64, qty int64, entryTime time.Time, cfg LifecycleConfig, clock SessionClock) (*Lifecycle, error) {
	risk := entryPrice - stop
	if risk <= 0 || math.IsNaN(risk) {
		return nil, fmt.Errorf("%w: entry %.4f stop %.4f", ErrInvalidStopDistance, entryPrice, stop)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", ErrZeroQuantity, qty)
	}

	tiers := make([]TierState, len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		tiers[i] = TierState{Tier: t}
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].TriggerR < tiers[j].TriggerR })

	return &Lifecycle{
		pos: Position{
			Symbol:            symbol,
			EntryPrice:        entryPrice,
			EntryTime:         entryTime,
			InitialStop:       stop,
			RiskPerUnit:       risk,
			Quantity:          qty,
			CurrentStop:       stop,
			RemainingFraction: 1.0,
			HighestPrice:      entryPrice,
			Tiers:             tiers,
		},
		cfg:     cfg,
		clock:   clock,
		pending: make(map[int]ExitEvent),
	}, nil
}

// OpenThroughStop starts a lifecycle for an entry that filled at or below its
// stop. The risk unit is measured from the planned entry, the position keeps
// the real fill, and the whole of it is emitted at once as a pending hard
// stop at the fill price.
func OpenThroughStop(symbol string, fillPrice, plannedEntry, stop float64, qty int64, entryTime time.Time, cfg LifecycleConfig, clock SessionClock) (*Lifecycle, ExitEvent, error) {
	l, err := Open(symbol, plannedEntry, stop, qty, entryTime, cfg, clock)
	if err != nil {
		return nil, ExitEvent{}, err
	}
	l.pos.EntryPrice = fillPrice
	l.pos.HighestPrice = fillPrice
	return l, l.emitFinal(domain.ExitHardStop, fillPrice, entryTime), nil
}

// State returns the current lifecycle stage.
func (l *Lifecycle) State() State { return l.state }

// Position returns a copy of the position.
func (l *Lifecycle) Position() Position {
	p := l.pos
	p.Tiers = append([]TierState(nil), l.pos.Tiers...)
	return p
}

// OnBar runs the exit ladder against one bar, in priority order: hard stop,
// tier scale-outs (and target), breakeven migration, trailing stop, time
// stop, session close. A bar that stops out evaluates nothing else.
//
// A lifecycle waiting for exit confirmations returns nil. Calling OnBar on a
// closed lifecycle panics with ErrCalledOnClosedPosition.
func (l *Lifecycle) OnBar(bar domain.Bar) []ExitEvent {
	switch l.state {
	case StateClosed:
		panic(fmt.Errorf("%w: %s at %s", ErrCalledOnClosedPosition, l.pos.Symbol, bar.Timestamp.Format(time.RFC3339)))
	case StatePendingClose:
		return nil
	}

	p := &l.pos
	if bar.High > p.HighestPrice {
		p.HighestPrice = bar.High
	}

	if bar.Low <= p.CurrentStop {
		return []ExitEvent{l.emitFinal(domain.ExitHardStop, p.CurrentStop, bar.Timestamp)}
	}

	var events []ExitEvent
	r := l.rAt(bar.Close)

	for i := range p.Tiers {
		tier := &p.Tiers[i]
		if tier.Fired {
			continue
		}
		if !reached(r, tier.TriggerR) {
			break
		}
		tier.Fired = true
		events = append(events, l.emitPartial(tier.Fraction, bar.Close, bar.Timestamp))
		if l.state != StateActive {
			// The tiers consumed the whole position.
			return events
		}
	}

	forced := l.forcedExit(bar.Timestamp)

	if l.cfg.TargetR > 0 && forced == "" && reached(r, l.cfg.TargetR) {
		return append(events, l.emitFinal(domain.ExitTarget, bar.Close, bar.Timestamp))
	}

	if !p.BreakevenMoved && l.cfg.BreakevenTriggerR > 0 && reached(r, l.cfg.BreakevenTriggerR) {
		p.CurrentStop = math.Max(p.CurrentStop, p.EntryPrice+l.cfg.BreakevenOffsetR*p.RiskPerUnit)
		p.BreakevenMoved = true
		l.seq++
		events = append(events, ExitEvent{
			Seq:       l.seq,
			Symbol:    p.Symbol,
			Kind:      domain.ExitBreakeven,
			Price:     p.CurrentStop,
			RMultiple: r,
			Timestamp: bar.Timestamp,
		})
	}

	if p.BreakevenMoved && l.cfg.TrailATRMult > 0 && bar.ATR > 0 {
		p.CurrentStop = math.Max(p.CurrentStop, p.HighestPrice-l.cfg.TrailATRMult*bar.ATR)
		p.TrailingActive = true
	}

	if forced != "" {
		events = append(events, l.emitFinal(forced, bar.Close, bar.Timestamp))
	}
	return events
}

// Liquidate emits a final Liquidation exit for whatever remains. It reports
// false when the position is no longer active.
func (l *Lifecycle) Liquidate(price float64, t time.Time) (ExitEvent, bool) {
	if l.state != StateActive {
		return ExitEvent{}, false
	}
	return l.emitFinal(domain.ExitLiquidation, price, t), true
}

// Pending returns the realizing events still awaiting a broker fill, in
// emission order.
func (l *Lifecycle) Pending() []ExitEvent {
	out := make([]ExitEvent, 0, len(l.pending))
	for _, ev := range l.pending {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Confirm books the fill of a pending exit and returns its realized pnl. The
// position becomes Closed once its final exit and every earlier exit are
// confirmed.
func (l *Lifecycle) Confirm(seq int, fillPrice float64, filledAt time.Time) (float64, error) {
	ev, ok := l.pending[seq]
	if !ok {
		return 0, fmt.Errorf("%w: %s seq %d", ErrUnknownExit, l.pos.Symbol, seq)
	}
	delete(l.pending, seq)

	pnl := (fillPrice - l.pos.EntryPrice) * float64(ev.Shares)
	l.realized += pnl
	if ev.Shares > 0 {
		l.fills = append(l.fills, domain.ExitFill{
			Kind:   ev.Kind,
			Price:  fillPrice,
			Shares: ev.Shares,
			Time:   filledAt,
		})
	}

	if l.state == StatePendingClose && len(l.pending) == 0 {
		l.state = StateClosed
	}
	return pnl, nil
}

// Record returns the trade summary once the position is closed.
func (l *Lifecycle) Record() (domain.TradeRecord, bool) {
	if l.state != StateClosed {
		return domain.TradeRecord{}, false
	}
	p := l.pos
	rec := domain.TradeRecord{
		Symbol:       p.Symbol,
		EntryPrice:   p.EntryPrice,
		EntryTime:    p.EntryTime,
		Quantity:     p.Quantity,
		InitialStop:  p.InitialStop,
		Exits:        append([]domain.ExitFill(nil), l.fills...),
		PnL:          l.realized,
		ExitReason:   l.finalKind,
		HoldDuration: l.finalAt.Sub(p.EntryTime),
	}
	if p.Quantity > 0 {
		rec.RMultiple = l.realized / (p.RiskPerUnit * float64(p.Quantity))
	}
	return rec, true
}

// reached tolerates float noise so a close printed exactly at a threshold
// triggers it.
func reached(r, trigger float64) bool {
	return r >= trigger-fractionEpsilon
}

func (l *Lifecycle) rAt(price float64) float64 {
	return (price - l.pos.EntryPrice) / l.pos.RiskPerUnit
}

// forcedExit picks the full-exit kind for bar time t, if any. Session close
// outranks the time stop when both apply.
func (l *Lifecycle) forcedExit(t time.Time) domain.ExitKind {
	if l.clock != nil && l.clock.IsSessionClosing(t) {
		return domain.ExitSessionClose
	}
	if l.cfg.MaxHold > 0 && t.Sub(l.pos.EntryTime) >= l.cfg.MaxHold {
		return domain.ExitTimeStop
	}
	return ""
}

// emitPartial closes fraction of the original size.
func (l *Lifecycle) emitPartial(fraction, price float64, t time.Time) ExitEvent {
	p := &l.pos
	p.RemainingFraction -= fraction
	if p.RemainingFraction <= fractionEpsilon {
		p.RemainingFraction = 0
		ev := l.newExit(domain.ExitPartialScale, price, fraction, p.Quantity-l.allocated, t)
		l.finish(ev)
		return ev
	}

	shares := int64(math.Floor(fraction*float64(p.Quantity) + fractionEpsilon))
	if left := p.Quantity - l.allocated; shares > left {
		shares = left
	}
	return l.newExit(domain.ExitPartialScale, price, fraction, shares, t)
}

// emitFinal closes everything that remains.
func (l *Lifecycle) emitFinal(kind domain.ExitKind, price float64, t time.Time) ExitEvent {
	p := &l.pos
	fraction := p.RemainingFraction
	p.RemainingFraction = 0
	ev := l.newExit(kind, price, fraction, p.Quantity-l.allocated, t)
	l.finish(ev)
	return ev
}

func (l *Lifecycle) newExit(kind domain.ExitKind, price, fraction float64, shares int64, t time.Time) ExitEvent {
	l.seq++
	l.allocated += shares
	ev := ExitEvent{
		Seq:            l.seq,
		Symbol:         l.pos.Symbol,
		Kind:           kind,
		Price:          price,
		FractionClosed: fraction,
		Shares:         shares,
		RMultiple:      l.rAt(price),
		Timestamp:      t,
		Final:          l.pos.RemainingFraction == 0,
	}
	l.pending[ev.Seq] = ev
	return ev
}

func (l *Lifecycle) finish(ev ExitEvent) {
	l.state = StatePendingClose
	l.finalKind = ev.Kind
	l.finalAt = ev.Timestamp
}

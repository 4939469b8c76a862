// Package live runs the engines against a polling feed during market hours
// and serves the trading state over HTTP and gRPC health.
package live

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ratchet/internal/domain"
	"ratchet/internal/engine"
)

// Compile-time interface checks.
var _ engine.DecisionSink = (*Model)(nil)
var _ engine.TradeSink = (*Model)(nil)

// Event is published to subscribers for every decision and closed trade.
// Exactly one of Decision and Trade is set.
type Event struct {
	Decision *domain.DecisionRecord `json:"decision,omitempty"`
	Trade    *domain.TradeRecord    `json:"trade,omitempty"`
}

// PositionView is the published state of one open position.
type PositionView struct {
	Symbol      string    `json:"symbol"`
	EntryPrice  float64   `json:"entry_price"`
	EntryTime   time.Time `json:"entry_time"`
	Quantity    int64     `json:"quantity"`
	InitialStop float64   `json:"initial_stop"`
	CurrentStop float64   `json:"current_stop"`
	Remaining   float64   `json:"remaining_fraction"`
	Trailing    bool      `json:"trailing"`
	Pending     int       `json:"pending_exits"`
}

// Snapshot is the current session-day state.
type Snapshot struct {
	Day       string                  `json:"day"`
	Positions []PositionView          `json:"positions"`
	Decisions []domain.DecisionRecord `json:"decisions"`
	Trades    []domain.TradeRecord    `json:"trades"`
	Risk      engine.RiskState        `json:"risk"`
}

// Model holds the session-day trading state with pub/sub for streaming
// clients. It sits between the engines and the persistent journal: records
// are kept in memory for the day, forwarded to the journal and published.
type Model struct {
	decisions engine.DecisionSink
	trades    engine.TradeSink
	log       *slog.Logger

	mu        sync.RWMutex
	day       string
	decided   []domain.DecisionRecord
	finished  []domain.TradeRecord
	positions map[string]PositionView
	risk      engine.RiskState

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// NewModel creates a model forwarding records to the given sinks, either of
// which may be nil.
func NewModel(decisions engine.DecisionSink, trades engine.TradeSink, log *slog.Logger) *Model {
	if log == nil {
		log = slog.Default()
	}
	return &Model{
		decisions: decisions,
		trades:    trades,
		log:       log,
		positions: make(map[string]PositionView),
		subs:      make(map[int]chan Event),
	}
}

// RecordDecision keeps, forwards and publishes a decision.
func (m *Model) RecordDecision(ctx context.Context, rec domain.DecisionRecord) error {
	m.mu.Lock()
	m.decided = append(m.decided, rec)
	m.mu.Unlock()

	m.publish(Event{Decision: &rec})
	if m.decisions != nil {
		return m.decisions.RecordDecision(ctx, rec)
	}
	return nil
}

// RecordTrade keeps, forwards and publishes a closed trade.
func (m *Model) RecordTrade(ctx context.Context, rec domain.TradeRecord) error {
	m.mu.Lock()
	m.finished = append(m.finished, rec)
	m.mu.Unlock()

	m.publish(Event{Trade: &rec})
	if m.trades != nil {
		return m.trades.RecordTrade(ctx, rec)
	}
	return nil
}

// SetPositions replaces the open-position view with the state of the given
// engines.
func (m *Model) SetPositions(engines []*engine.Engine, risk engine.RiskState) {
	positions := make(map[string]PositionView, len(engines))
	for _, e := range engines {
		p, ok := e.Position()
		if !ok {
			continue
		}
		positions[e.Symbol()] = PositionView{
			Symbol:      p.Symbol,
			EntryPrice:  p.EntryPrice,
			EntryTime:   p.EntryTime,
			Quantity:    p.Quantity,
			InitialStop: p.InitialStop,
			CurrentStop: p.CurrentStop,
			Remaining:   p.RemainingFraction,
			Trailing:    p.TrailingActive,
			Pending:     len(e.Pending()),
		}
	}
	m.mu.Lock()
	m.positions = positions
	m.risk = risk
	m.mu.Unlock()
}

// SwitchDay starts a new session-day: the previous day's decisions and
// trades are dropped from memory. It reports whether the day changed.
func (m *Model) SwitchDay(day string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if day == m.day {
		return false
	}
	if m.day != "" {
		m.log.Info("session day switched", "from", m.day, "to", day,
			"decisions", len(m.decided), "trades", len(m.finished))
	}
	m.day = day
	m.decided = nil
	m.finished = nil
	return true
}

// Snapshot returns a copy of the current state.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Day:       m.day,
		Positions: make([]PositionView, 0, len(m.positions)),
		Decisions: append([]domain.DecisionRecord{}, m.decided...),
		Trades:    append([]domain.TradeRecord{}, m.finished...),
		Risk:      m.risk,
	}
	for _, p := range m.positions {
		s.Positions = append(s.Positions, p)
	}
	sort.Slice(s.Positions, func(i, j int) bool { return s.Positions[i].Symbol < s.Positions[j].Symbol })
	return s
}

// Subscribe creates a new subscription channel for events.
func (m *Model) Subscribe(bufSize int) (id int, ch <-chan Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id = m.nextSubID
	m.nextSubID++
	c := make(chan Event, bufSize)
	m.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Model) Unsubscribe(id int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		close(ch)
		delete(m.subs, id)
	}
}

// publish sends without blocking; slow subscribers miss events.
func (m *Model) publish(evt Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

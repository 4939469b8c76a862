// Package metrics exposes Prometheus instruments for the trading engine.
//
// Instruments:
//   - ratchet_exits_total{kind}          exit events by kind
//   - ratchet_decisions_total{outcome}   entry/exit decision records by outcome
//   - ratchet_orders_total{side,result}  broker submissions (filled|failed)
//   - ratchet_daily_pnl_usd              realized pnl for the session-day
//   - ratchet_open_positions             positions counted by the risk gate
//   - ratchet_pending_exits              exits awaiting broker confirmation
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"ratchet/internal/domain"
)

// Metrics holds the engine's instruments.
type Metrics struct {
	exits         *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	orders        *prometheus.CounterVec
	dailyPnL      prometheus.Gauge
	openPositions prometheus.Gauge
	pendingExits  prometheus.Gauge
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ratchet_exits_total", Help: "Exit events by kind"},
			[]string{"kind"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ratchet_decisions_total", Help: "Decision records by outcome"},
			[]string{"outcome"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ratchet_orders_total", Help: "Broker submissions by side and result"},
			[]string{"side", "result"},
		),
		dailyPnL: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "ratchet_daily_pnl_usd", Help: "Realized pnl for the current session-day"},
		),
		openPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "ratchet_open_positions", Help: "Open positions counted by the risk gate"},
		),
		pendingExits: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "ratchet_pending_exits", Help: "Exit orders awaiting broker confirmation"},
		),
	}
	reg.MustRegister(m.exits, m.decisions, m.orders, m.dailyPnL, m.openPositions, m.pendingExits)
	return m
}

// ObserveExit counts an exit event.
func (m *Metrics) ObserveExit(kind domain.ExitKind) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(string(kind)).Inc()
}

// ObserveDecision counts a decision record.
func (m *Metrics) ObserveDecision(outcome domain.DecisionOutcome) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(outcome)).Inc()
}

// ObserveOrder counts a broker submission.
func (m *Metrics) ObserveOrder(side domain.OrderSide, filled bool) {
	if m == nil {
		return
	}
	result := "failed"
	if filled {
		result = "filled"
	}
	m.orders.WithLabelValues(string(side), result).Inc()
}

// SetRisk publishes the risk gate tally.
func (m *Metrics) SetRisk(dailyPnL float64, openPositions int) {
	if m == nil {
		return
	}
	m.dailyPnL.Set(dailyPnL)
	m.openPositions.Set(float64(openPositions))
}

// AddPending moves the pending-exit gauge by delta.
func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.pendingExits.Add(float64(delta))
}

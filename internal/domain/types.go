// Package domain holds the plain data types shared across the ratchet
// packages: market bars, broker orders, scale-out tiers and the records the
// engine emits for reporting.
package domain

import "time"

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
)

// Bar is a single OHLCV bar. ATR is filled in by the feed before the bar
// reaches the engine; zero means the indicator is still warming up.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
	ATR        float64
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus tracks the broker-side lifecycle of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further fills can happen for the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order is a broker order. ClientOrderID is chosen by the caller and stays
// stable across resubmissions so the broker can deduplicate.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Status         OrderStatus
	Qty            int64
	LimitPrice     float64
	RefPrice       float64 // decision price, used by the simulator as the fill
	FilledQty      int64
	FilledAvgPrice float64
	Reason         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AccountInfo is a snapshot of the brokerage account.
type AccountInfo struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// Tier is a scale-out rule: once the position reaches TriggerR, close
// Fraction of the original size.
type Tier struct {
	TriggerR float64 `yaml:"trigger_r"`
	Fraction float64 `yaml:"fraction"`
}

// ExitKind classifies an exit event.
type ExitKind string

const (
	ExitHardStop     ExitKind = "hard_stop"
	ExitPartialScale ExitKind = "partial_scale"
	ExitBreakeven    ExitKind = "breakeven" // stop migration, closes nothing
	ExitTimeStop     ExitKind = "time_stop"
	ExitSessionClose ExitKind = "session_close"
	ExitTarget       ExitKind = "target"
	ExitLiquidation  ExitKind = "liquidation"
)

// Realizing reports whether events of this kind close shares.
func (k ExitKind) Realizing() bool {
	return k != ExitBreakeven
}

// ExitFill is one confirmed tranche of a closed position.
type ExitFill struct {
	Kind   ExitKind  `json:"kind"`
	Price  float64   `json:"price"`
	Shares int64     `json:"shares"`
	Time   time.Time `json:"time"`
}

// TradeRecord summarises a closed position for reporting.
type TradeRecord struct {
	Symbol       string
	Strategy     string
	EntryPrice   float64
	EntryTime    time.Time
	Quantity     int64
	InitialStop  float64
	Exits        []ExitFill
	PnL          float64
	RMultiple    float64
	ExitReason   ExitKind
	HoldDuration time.Duration
}

// ExitTime returns the time of the last fill.
func (r TradeRecord) ExitTime() time.Time {
	if len(r.Exits) == 0 {
		return r.EntryTime
	}
	return r.Exits[len(r.Exits)-1].Time
}

// AvgExitPrice returns the share-weighted exit price.
func (r TradeRecord) AvgExitPrice() float64 {
	var notional float64
	var shares int64
	for _, f := range r.Exits {
		notional += f.Price * float64(f.Shares)
		shares += f.Shares
	}
	if shares == 0 {
		return 0
	}
	return notional / float64(shares)
}

// DecisionOutcome names what happened to an entry or exit attempt.
type DecisionOutcome string

const (
	DecisionEntered       DecisionOutcome = "entered"
	DecisionBlocked       DecisionOutcome = "blocked"
	DecisionRejected      DecisionOutcome = "rejected"
	DecisionEntryFailed   DecisionOutcome = "entry_failed"
	DecisionExitConfirmed DecisionOutcome = "exit_confirmed"
	DecisionExitFailed    DecisionOutcome = "exit_failed"
	DecisionStopMoved     DecisionOutcome = "stop_moved"
)

// DecisionRecord is a queryable trace of an engine decision. Blocked and
// rejected records let analysis separate "no signal" from "signal present
// but not taken".
type DecisionRecord struct {
	Time     time.Time
	Symbol   string
	Strategy string
	Outcome  DecisionOutcome
	Reason   string
	Price    float64
	Qty      int64
}

// Package store defines storage interfaces for persisting and retrieving
// bars, decision records, trade records and orders.
package store

import (
	"context"
	"errors"
	"time"

	"ratchet/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// BarStore persists and retrieves 1-minute OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol within [start, end], oldest
	// first.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// DecisionFilter narrows ListDecisions. Zero fields match everything.
type DecisionFilter struct {
	Symbol  string
	Outcome domain.DecisionOutcome
	Since   time.Time
	Limit   int
}

// DecisionStore persists engine decision records.
type DecisionStore interface {
	// RecordDecision appends one decision.
	RecordDecision(ctx context.Context, rec domain.DecisionRecord) error

	// ListDecisions returns matching decisions, oldest first.
	ListDecisions(ctx context.Context, f DecisionFilter) ([]domain.DecisionRecord, error)
}

// TradeStore persists closed-position records.
type TradeStore interface {
	// RecordTrade appends one closed trade.
	RecordTrade(ctx context.Context, rec domain.TradeRecord) error

	// ListTrades returns trades entered within [start, end], oldest first.
	// An empty symbol matches every symbol.
	ListTrades(ctx context.Context, symbol string, start, end time.Time) ([]domain.TradeRecord, error)
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts an order or updates it in place.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
}

// Package broker defines the Broker interface, its Alpaca and simulator
// implementations, and the Executor that turns an order into a confirmed
// fill.
package broker

import (
	"context"
	"errors"

	"ratchet/internal/domain"
)

// ErrOrderNotFound is returned by GetOrder and GetOrderByClientID when the
// broker has no such order.
var ErrOrderNotFound = errors.New("order not found")

// Broker abstracts brokerage operations for order execution and account management.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order to the brokerage for execution.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// GetOrder returns the current state of an order by broker ID.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// GetOrderByClientID returns the order submitted under a client order ID.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}

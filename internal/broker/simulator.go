package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"ratchet/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// ErrSimulatedFailure is returned by SubmitOrder while a failure is queued.
var ErrSimulatedFailure = errors.New("simulated broker failure")

// SimulatorBroker implements the Broker interface for paper trading and
// backtesting. Orders fill immediately and in full at their reference price
// (or limit price when no reference is set), optionally adjusted by a
// per-share slippage against the trader.
type SimulatorBroker struct {
	mu       sync.Mutex
	orders   map[string]*domain.Order
	byClient map[string]string
	cash     float64
	slippage float64
	failNext int
}

// NewSimulatorBroker creates a new SimulatorBroker holding cash.
func NewSimulatorBroker(cash float64) *SimulatorBroker {
	return &SimulatorBroker{
		orders:   make(map[string]*domain.Order),
		byClient: make(map[string]string),
		cash:     cash,
	}
}

// SetSlippage sets the per-share price concession applied to every fill.
func (b *SimulatorBroker) SetSlippage(perShare float64) {
	b.mu.Lock()
	b.slippage = perShare
	b.mu.Unlock()
}

// FailNext makes the next n submissions fail.
func (b *SimulatorBroker) FailNext(n int) {
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SubmitOrder fills the order immediately. A client order ID already seen
// returns the existing order instead of filling twice.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.byClient[order.ClientOrderID]; ok && order.ClientOrderID != "" {
		o := *b.orders[id]
		return &o, nil
	}
	if b.failNext > 0 {
		b.failNext--
		return nil, fmt.Errorf("submit %s %s: %w", order.Side, order.Symbol, ErrSimulatedFailure)
	}
	if order.Qty <= 0 {
		return nil, fmt.Errorf("submit %s %s: quantity %d", order.Side, order.Symbol, order.Qty)
	}

	price := order.RefPrice
	if price <= 0 {
		price = order.LimitPrice
	}
	if price <= 0 {
		return nil, fmt.Errorf("submit %s %s: no price to fill at", order.Side, order.Symbol)
	}
	switch order.Side {
	case domain.OrderSideBuy:
		price += b.slippage
		b.cash -= price * float64(order.Qty)
	case domain.OrderSideSell:
		price -= b.slippage
		b.cash += price * float64(order.Qty)
	}

	o := *order
	o.ID = uuid.NewString()
	o.Status = domain.OrderStatusFilled
	o.FilledQty = order.Qty
	o.FilledAvgPrice = price
	o.UpdatedAt = order.CreatedAt
	b.orders[o.ID] = &o
	if o.ClientOrderID != "" {
		b.byClient[o.ClientOrderID] = o.ID
	}

	out := o
	return &out, nil
}

// GetOrder returns a copy of the order with the given ID.
func (b *SimulatorBroker) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	out := *o
	return &out, nil
}

// GetOrderByClientID returns a copy of the order submitted under the client ID.
func (b *SimulatorBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	b.mu.Lock()
	id, ok := b.byClient[clientOrderID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: client id %s", ErrOrderNotFound, clientOrderID)
	}
	return b.GetOrder(ctx, id)
}

// CancelOrder cancels an order that has not reached a terminal status.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !o.Status.Terminal() {
		o.Status = domain.OrderStatusCancelled
	}
	return nil
}

// GetAccount returns the simulated cash balance.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &domain.AccountInfo{
		Equity:      b.cash,
		Cash:        b.cash,
		BuyingPower: b.cash,
	}, nil
}

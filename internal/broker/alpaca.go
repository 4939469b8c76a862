package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"ratchet/internal/domain"
	"ratchet/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
type AlpacaBroker struct {
	client *alpaca.Client
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder sends a day order to the Alpaca API.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qty := decimal.NewFromInt(order.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(order.Side),
		Type:          alpaca.OrderType(order.Type),
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ClientOrderID,
	}
	if order.Type == domain.OrderTypeLimit {
		limit := decimal.NewFromFloat(order.LimitPrice)
		req.LimitPrice = &limit
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return nil, fmt.Errorf("PlaceOrder %s %s: %w", order.Side, order.Symbol, err)
	}
	return fromAlpacaOrder(placed, order), nil
}

// GetOrder returns the order with the given Alpaca ID.
func (b *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := b.client.GetOrder(orderID)
	if err != nil {
		return nil, wrapNotFound(fmt.Errorf("GetOrder %s: %w", orderID, err), err)
	}
	return fromAlpacaOrder(o, nil), nil
}

// GetOrderByClientID returns the order with the given client order ID.
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return nil, wrapNotFound(fmt.Errorf("GetOrderByClientOrderID %s: %w", clientOrderID, err), err)
	}
	return fromAlpacaOrder(o, nil), nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("CancelOrder %s: %w", orderID, err)
	}
	return nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	return &domain.AccountInfo{
		Equity:      acct.Equity.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
	}, nil
}

// LoadSessions fetches the exchange calendar for [from, to] and installs it
// in cal, so holidays and early closes move the session-closing cutoff.
func (b *AlpacaBroker) LoadSessions(cal *util.TradingCalendar, from, to time.Time) (int, error) {
	days, err := b.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: from,
		End:   to,
	})
	if err != nil {
		return 0, fmt.Errorf("GetCalendar: %w", err)
	}

	sessions := make([]util.Session, 0, len(days))
	for _, d := range days {
		day, err := time.ParseInLocation("2006-01-02", d.Date, cal.Location())
		if err != nil {
			return 0, fmt.Errorf("calendar date %q: %w", d.Date, err)
		}
		s, err := cal.SessionAt(day, d.Open, d.Close)
		if err != nil {
			return 0, fmt.Errorf("calendar hours for %s: %w", d.Date, err)
		}
		sessions = append(sessions, s)
	}
	cal.SetSessions(from, to, sessions)
	return len(sessions), nil
}

func wrapNotFound(wrapped, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, wrapped)
	}
	return wrapped
}

// fromAlpacaOrder converts an Alpaca order. Fields Alpaca does not echo back
// are taken from req when given.
func fromAlpacaOrder(o *alpaca.Order, req *domain.Order) *domain.Order {
	out := &domain.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Type:          domain.OrderType(o.Type),
		Status:        domain.OrderStatus(o.Status),
		FilledQty:     o.FilledQty.IntPart(),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.IntPart()
	}
	if o.LimitPrice != nil {
		out.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.FilledAt != nil {
		out.UpdatedAt = *o.FilledAt
	}
	if req != nil {
		out.RefPrice = req.RefPrice
		out.Reason = req.Reason
	}
	return out
}

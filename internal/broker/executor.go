package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ratchet/internal/domain"
	"ratchet/internal/util"
)

// ErrOrderNotFilled is returned when an order reached a terminal status, or
// stopped being polled, without filling.
var ErrOrderNotFilled = errors.New("order not filled")

// maxGenerations bounds how many dead orders one client ID may leave behind.
const maxGenerations = 8

var errStillOpen = errors.New("order still open")

// OrderJournal persists every order state the executor observes.
type OrderJournal interface {
	SaveOrder(ctx context.Context, order *domain.Order) error
}

// Executor submits an order and polls the broker until it fills.
//
// The caller's ClientOrderID is the idempotency key. Before submitting, the
// executor looks the ID up at the broker, so calling Execute again after a
// timeout resumes the original order instead of placing a second one. When
// the order behind the ID died unfilled, the next generation ID
// ("<id>-r1", "<id>-r2", ...) is used.
type Executor struct {
	broker  Broker
	journal OrderJournal
	backoff util.Backoff
	log     *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithJournal records order states in j.
func WithJournal(j OrderJournal) ExecutorOption {
	return func(x *Executor) { x.journal = j }
}

// WithBackoff sets the fill polling schedule.
func WithBackoff(b util.Backoff) ExecutorOption {
	return func(x *Executor) { x.backoff = b }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(x *Executor) { x.log = l }
}

// NewExecutor creates an Executor over b. Fills are polled 8 times starting
// at 250ms, capped at 4s between polls.
func NewExecutor(b Broker, opts ...ExecutorOption) *Executor {
	x := &Executor{
		broker:  b,
		backoff: util.Backoff{Attempts: 8, BaseDelay: 250 * time.Millisecond, MaxDelay: 4 * time.Second},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	x.log = x.log.With("broker", b.Name())
	return x
}

// Execute places order (or resumes it) and blocks until it is filled. It
// returns the filled order. Shares filled by earlier generations that died
// part-filled are carried forward: only the rest is resubmitted, and the
// returned order reports the combined quantity and average price.
func (x *Executor) Execute(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	base := order.ClientOrderID
	if base == "" {
		base = uuid.NewString()
	}

	var prior fill
	for gen := 0; gen < maxGenerations; gen++ {
		id := generationID(base, gen)
		existing, err := x.lookup(ctx, id)
		if err != nil {
			return nil, err
		}

		if existing != nil && existing.Status.Terminal() && existing.Status != domain.OrderStatusFilled {
			if existing.FilledQty > 0 {
				prior.add(existing.FilledQty, existing.FilledAvgPrice)
				x.log.Info("carrying partial fill forward", "id", existing.ID, "client_id", id,
					"filled", existing.FilledQty, "qty", existing.Qty, "status", existing.Status)
			}
			continue
		}

		placed := existing
		if placed == nil {
			remaining := order.Qty - prior.qty
			if remaining <= 0 {
				return prior.apply(order), nil
			}
			req := *order
			req.ClientOrderID = id
			req.Qty = remaining
			placed, err = x.broker.SubmitOrder(ctx, &req)
			if err != nil {
				return nil, fmt.Errorf("submit %s: %w", id, err)
			}
			x.log.Debug("order submitted", "id", placed.ID, "client_id", id, "symbol", order.Symbol, "side", order.Side, "qty", remaining)
		}
		x.save(ctx, placed)
		done, err := x.await(ctx, placed)
		if err != nil {
			return nil, err
		}
		if prior.qty == 0 {
			return done, nil
		}
		prior.add(done.FilledQty, done.FilledAvgPrice)
		out := prior.apply(done)
		out.Qty = order.Qty
		return out, nil
	}
	return nil, fmt.Errorf("%w: client id %s exhausted %d attempts", ErrOrderNotFilled, base, maxGenerations)
}

// fill accumulates shares filled across generations.
type fill struct {
	qty      int64
	notional float64
}

func (f *fill) add(qty int64, price float64) {
	f.qty += qty
	f.notional += float64(qty) * price
}

// apply returns a filled copy of o carrying the accumulated quantity and
// average price.
func (f fill) apply(o *domain.Order) *domain.Order {
	out := *o
	out.Status = domain.OrderStatusFilled
	out.FilledQty = f.qty
	out.FilledAvgPrice = f.notional / float64(f.qty)
	return &out
}

func generationID(base string, gen int) string {
	if gen == 0 {
		return base
	}
	return fmt.Sprintf("%s-r%d", base, gen)
}

// lookup returns nil, nil when the broker does not know the client ID.
func (x *Executor) lookup(ctx context.Context, clientID string) (*domain.Order, error) {
	o, err := x.broker.GetOrderByClientID(ctx, clientID)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", clientID, err)
	}
	return o, nil
}

// await polls until the order is filled. An order still open when polling
// gives up is cancelled so a later Execute moves to the next generation.
func (x *Executor) await(ctx context.Context, placed *domain.Order) (*domain.Order, error) {
	if placed.Status == domain.OrderStatusFilled {
		return placed, nil
	}

	current := placed
	err := util.RetryBackoff(ctx, x.backoff, func() error {
		o, err := x.broker.GetOrder(ctx, placed.ID)
		if err != nil {
			return err
		}
		if o.Status != current.Status {
			x.save(ctx, o)
		}
		current = o
		switch {
		case o.Status == domain.OrderStatusFilled:
			return nil
		case o.Status.Terminal():
			return util.Permanent(fmt.Errorf("%w: %s %s", ErrOrderNotFilled, o.ID, o.Status))
		}
		return errStillOpen
	})
	if err == nil {
		return current, nil
	}

	if !current.Status.Terminal() {
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if cerr := x.broker.CancelOrder(cancelCtx, placed.ID); cerr != nil {
			x.log.Warn("cancel unfilled order", "id", placed.ID, "error", cerr)
		}
	}
	if errors.Is(err, errStillOpen) {
		err = fmt.Errorf("%w: %s still %s", ErrOrderNotFilled, placed.ID, current.Status)
	}
	return nil, err
}

func (x *Executor) save(ctx context.Context, o *domain.Order) {
	if x.journal == nil {
		return
	}
	if err := x.journal.SaveOrder(ctx, o); err != nil {
		x.log.Error("journal order", "id", o.ID, "error", err)
	}
}

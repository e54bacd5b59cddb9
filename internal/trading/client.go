package trading

import (
	"context"

	"github.com/hakimelghazi/termtrader/internal/metrics"
)

// Client executes trading actions. Implementations must be safe for
// concurrent use; the command worker serializes calls in practice.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	Balance(ctx context.Context) (Balance, error)
	OpenOrders(ctx context.Context) ([]Order, error)
	CancelOrder(ctx context.Context, id string) error
	// CancelAll returns how many orders were cancelled.
	CancelAll(ctx context.Context) (int, error)
	Positions(ctx context.Context) ([]Position, error)
}

// Instrument counts calls and failures of c.
func Instrument(c Client, m *metrics.Metrics) Client {
	if m == nil {
		return c
	}
	return &instrumented{next: c, m: m}
}

type instrumented struct {
	next Client
	m    *metrics.Metrics
}

func (i *instrumented) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	res, err := i.next.PlaceOrder(ctx, req)
	i.m.TradingCall("place_order", err == nil && res.Success)
	return res, err
}

func (i *instrumented) Balance(ctx context.Context) (Balance, error) {
	b, err := i.next.Balance(ctx)
	i.m.TradingCall("balance", err == nil)
	return b, err
}

func (i *instrumented) OpenOrders(ctx context.Context) ([]Order, error) {
	o, err := i.next.OpenOrders(ctx)
	i.m.TradingCall("open_orders", err == nil)
	return o, err
}

func (i *instrumented) CancelOrder(ctx context.Context, id string) error {
	err := i.next.CancelOrder(ctx, id)
	i.m.TradingCall("cancel_order", err == nil)
	return err
}

func (i *instrumented) CancelAll(ctx context.Context) (int, error) {
	n, err := i.next.CancelAll(ctx)
	i.m.TradingCall("cancel_all", err == nil)
	return n, err
}

func (i *instrumented) Positions(ctx context.Context) ([]Position, error) {
	p, err := i.next.Positions(ctx)
	i.m.TradingCall("positions", err == nil)
	return p, err
}

// Package trading is the boundary to order execution. Handlers talk to a
// Client; RESTClient forwards to the exchange shim and PaperClient fills
// against the live order books without touching the exchange.
package trading

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder  = errors.New("invalid order")
	ErrOrderNotFound = errors.New("order not found")
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrInvalidOrder, s)
	}
}

// OrderRequest is a limit order for one instrument (token).
type OrderRequest struct {
	Instrument string          `json:"token_id"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
}

func (o OrderRequest) Validate() error {
	switch {
	case strings.TrimSpace(o.Instrument) == "":
		return fmt.Errorf("%w: instrument required", ErrInvalidOrder)
	case o.Side != SideBuy && o.Side != SideSell:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	case !o.Size.IsPositive():
		return fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	}
	return nil
}

// OrderResult is the exchange's answer. Success=false with a Message is a
// rejection, not a transport failure. Fills is nil when the client does not
// report executions and empty when nothing filled.
type OrderResult struct {
	OrderID string `json:"order_id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Fills   []Fill `json:"fills,omitempty"`
}

// Fill is one execution against a resting level.
type Fill struct {
	OrderID string          `json:"order_id"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
}

// Order is an open order as reported by the exchange.
type Order struct {
	ID         string          `json:"id"`
	Instrument string          `json:"token_id"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	Remaining  decimal.Decimal `json:"remaining"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Balance struct {
	Amount   decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// Position is the net holding in one instrument. Size is negative when more
// was sold than bought. Realized is the profit booked by reducing trades.
type Position struct {
	Instrument string          `json:"token_id"`
	Size       decimal.Decimal `json:"size"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Realized   decimal.Decimal `json:"realized_pnl"`
}

// apply books one fill at the average cost of the position.
func (p *Position) apply(side Side, price, size decimal.Decimal) {
	qty := size
	if side == SideSell {
		qty = size.Neg()
	}

	if p.Size.IsZero() || p.Size.Sign() == qty.Sign() {
		held := p.Size.Abs()
		p.AvgPrice = p.AvgPrice.Mul(held).Add(price.Mul(size)).Div(held.Add(size))
		p.Size = p.Size.Add(qty)
		return
	}

	closed := decimal.Min(size, p.Size.Abs())
	pnl := price.Sub(p.AvgPrice).Mul(closed)
	if p.Size.IsNegative() {
		pnl = pnl.Neg()
	}
	p.Realized = p.Realized.Add(pnl)

	before := p.Size
	p.Size = p.Size.Add(qty)
	switch {
	case p.Size.IsZero():
		p.AvgPrice = decimal.Zero
	case p.Size.Sign() != before.Sign():
		p.AvgPrice = price
	}
}

package book

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrFeedDesync marks an update for an instrument whose book is missing
	// or inconsistent. The update is dropped.
	ErrFeedDesync   = errors.New("feed desync")
	ErrStoreAborted = errors.New("order book store aborted")
	ErrInvalidLevel = errors.New("invalid price level")
)

// DesyncError describes a dropped update.
type DesyncError struct {
	Instrument string
	Reason     string
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("feed desync for %s: %s", e.Instrument, e.Reason)
}

func (e *DesyncError) Unwrap() error { return ErrFeedDesync }

type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// ParseSide accepts bid/ask as well as the exchange spelling buy/sell.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bid", "buy":
		return SideBid, nil
	case "ask", "sell":
		return SideAsk, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidLevel, s)
	}
}

type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type Trade struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	At    time.Time       `json:"at"`
}

// OrderBook is a point-in-time copy of one instrument's book. Nothing in it
// aliases Store memory.
type OrderBook struct {
	Instrument string       `json:"instrument"`
	Bids       []PriceLevel `json:"bids"` // best (highest) first
	Asks       []PriceLevel `json:"asks"` // best (lowest) first
	LastTrade  *Trade       `json:"last_trade,omitempty"`
	Seq        uint64       `json:"seq"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Spread is best ask minus best bid, when both sides are present.
func (b OrderBook) Spread() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Crossed reports best bid strictly above best ask.
func (b OrderBook) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	return okBid && okAsk && bid.Price.GreaterThan(ask.Price)
}

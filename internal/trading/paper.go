package trading

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/book"
)

// BookReader is the read side of the order book store.
type BookReader interface {
	Snapshot(instrument string) (book.OrderBook, bool)
}

// PaperClient simulates execution. A buy walks the ask ladder from the best
// price while the limit allows, a sell walks the bids; whatever is left rests
// as an open order until cancelled. The live books are only read, never
// changed, so the same liquidity can fill more than once. Fills update an
// average cost position per instrument; sells may go short.
type PaperClient struct {
	books  BookReader
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	cash      decimal.Decimal
	currency  string
	open      map[string]*Order
	positions map[string]*Position
}

func NewPaperClient(books BookReader, startingCash decimal.Decimal, logger *zap.Logger) *PaperClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperClient{
		books:    books,
		logger:   logger,
		now:      time.Now,
		cash:      startingCash,
		currency:  "USDC",
		open:      make(map[string]*Order),
		positions: make(map[string]*Position),
	}
}

func (p *PaperClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}
	ob, ok := p.books.Snapshot(req.Instrument)
	if !ok {
		return OrderResult{Success: false, Message: fmt.Sprintf("no order book for %s", req.Instrument)}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Worst case a buy pays its limit for the full size.
	if req.Side == SideBuy && req.Price.Mul(req.Size).GreaterThan(p.cash) {
		return OrderResult{Success: false, Message: "insufficient balance"}, nil
	}

	id := uuid.NewString()
	fills := match(id, req, ob)

	filled := decimal.Zero
	for _, f := range fills {
		p.position(req.Instrument).apply(req.Side, f.Price, f.Size)
		filled = filled.Add(f.Size)
		cost := f.Price.Mul(f.Size)
		if req.Side == SideBuy {
			p.cash = p.cash.Sub(cost)
		} else {
			p.cash = p.cash.Add(cost)
		}
	}

	remaining := req.Size.Sub(filled)
	if remaining.IsPositive() {
		p.open[id] = &Order{
			ID:         id,
			Instrument: req.Instrument,
			Side:       req.Side,
			Price:      req.Price,
			Size:       req.Size,
			Remaining:  remaining,
			Status:     "LIVE",
			CreatedAt:  p.now(),
		}
		if req.Side == SideBuy {
			p.cash = p.cash.Sub(req.Price.Mul(remaining))
		}
	}

	p.logger.Info("paper order",
		zap.String("order_id", id),
		zap.String("token_id", req.Instrument),
		zap.String("side", string(req.Side)),
		zap.Stringer("filled", filled),
		zap.Stringer("resting", remaining))

	return OrderResult{
		OrderID: id,
		Success: true,
		Message: fmt.Sprintf("filled %s, resting %s", filled, remaining),
		Fills:   fills,
	}, nil
}

// match walks the opposite ladder of ob best price first.
func match(id string, req OrderRequest, ob book.OrderBook) []Fill {
	levels := ob.Asks
	crosses := func(p decimal.Decimal) bool { return p.LessThanOrEqual(req.Price) }
	if req.Side == SideSell {
		levels = ob.Bids
		crosses = func(p decimal.Decimal) bool { return p.GreaterThanOrEqual(req.Price) }
	}

	fills := []Fill{}
	remaining := req.Size
	for _, lvl := range levels {
		if !remaining.IsPositive() || !crosses(lvl.Price) {
			break
		}
		qty := decimal.Min(remaining, lvl.Size)
		fills = append(fills, Fill{OrderID: id, Price: lvl.Price, Size: qty})
		remaining = remaining.Sub(qty)
	}
	return fills
}

func (p *PaperClient) Balance(context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Balance{Amount: p.cash, Currency: p.currency}, nil
}

func (p *PaperClient) OpenOrders(context.Context) ([]Order, error) {
	p.mu.Lock()
	out := make([]Order, 0, len(p.open))
	for _, o := range p.open {
		out = append(out, *o)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *PaperClient) CancelOrder(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cancelLocked(id) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return nil
}

func (p *PaperClient) CancelAll(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id := range p.open {
		if p.cancelLocked(id) {
			n++
		}
	}
	return n, nil
}

// position must be called with p.mu held.
func (p *PaperClient) position(instrument string) *Position {
	pos, ok := p.positions[instrument]
	if !ok {
		pos = &Position{Instrument: instrument}
		p.positions[instrument] = pos
	}
	return pos
}

// Positions lists every instrument that was ever filled, including flat ones
// that still carry realized profit.
func (p *PaperClient) Positions(context.Context) ([]Position, error) {
	p.mu.Lock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

// cancelLocked releases cash held by a resting buy.
func (p *PaperClient) cancelLocked(id string) bool {
	o, ok := p.open[id]
	if !ok {
		return false
	}
	if o.Side == SideBuy {
		p.cash = p.cash.Add(o.Price.Mul(o.Remaining))
	}
	delete(p.open, id)
	return true
}

// Package quickbuy spends a fixed share of the balance on one outcome at the
// best ask in a single step and can sell the filled size back at the best bid
// after a delay.
package quickbuy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/book"
	"github.com/hakimelghazi/termtrader/internal/trading"
)

var (
	ErrInvalidSetting = errors.New("invalid quickbuy setting")
	ErrNoPrice        = errors.New("no price in the order book")
	ErrTooSmall       = errors.New("quick buy amount is too small")
	ErrRejected       = errors.New("quick buy rejected")
	ErrClosed         = errors.New("quickbuy closed")
)

// sellTimeout bounds an auto-sell, which runs outside any command.
const sellTimeout = 10 * time.Second

type Settings struct {
	// AmountPercent of the available balance goes into each quick buy.
	AmountPercent decimal.Decimal
	AutoSell      bool
	AutoSellAfter time.Duration
}

func DefaultSettings() Settings {
	return Settings{AmountPercent: decimal.NewFromInt(10), AutoSellAfter: 30 * time.Second}
}

func (s Settings) Validate() error {
	if !s.AmountPercent.IsPositive() || s.AmountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: amount_percent must be between 0 and 100", ErrInvalidSetting)
	}
	if s.AutoSellAfter < 0 {
		return fmt.Errorf("%w: auto_sell_time must be >= 0", ErrInvalidSetting)
	}
	return nil
}

// Books is the read side of the order book store quick buys price against.
type Books interface {
	BestBid(instrument string) (book.PriceLevel, bool)
	BestAsk(instrument string) (book.PriceLevel, bool)
}

// Pending is a scheduled auto-sell, keyed by the buy order it unwinds.
type Pending struct {
	OrderID    string
	Instrument string
	Size       decimal.Decimal
	SellAt     time.Time
}

// Execution describes a placed quick buy.
type Execution struct {
	OrderID    string
	Instrument string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Filled     decimal.Decimal
	Amount     decimal.Decimal
	AutoSell   *Pending
}

type scheduled struct {
	Pending
	stop func() bool
}

type Manager struct {
	client trading.Client
	books  Books
	logger *zap.Logger
	now    func() time.Time

	// afterFunc runs f once d has passed; stop reports whether it prevented
	// the call.
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	mu       sync.Mutex
	settings Settings
	pending  map[string]*scheduled
	closed   bool
	selling  sync.WaitGroup
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(client trading.Client, books Books, settings Settings, opts ...Option) (*Manager, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		client:   client,
		books:    books,
		logger:   zap.NewNop(),
		now:      time.Now,
		settings: settings,
		pending:  make(map[string]*scheduled),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Set changes one setting by name: amount_percent, auto_sell or
// auto_sell_time (seconds or a duration such as 1m30s). It returns the
// normalized value.
func (m *Manager) Set(name, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.settings
	var shown string
	switch name {
	case "amount_percent":
		pct, err := decimal.NewFromString(strings.TrimSuffix(value, "%"))
		if err != nil {
			return "", fmt.Errorf("%w: amount_percent %q is not a number", ErrInvalidSetting, value)
		}
		next.AmountPercent = pct
		shown = pct.String()
	case "auto_sell":
		on, err := parseSwitch(value)
		if err != nil {
			return "", err
		}
		next.AutoSell = on
		shown = strconv.FormatBool(on)
	case "auto_sell_time":
		d, err := parseSeconds(value)
		if err != nil {
			return "", err
		}
		next.AutoSellAfter = d
		shown = d.String()
	default:
		return "", fmt.Errorf("%w: unknown property %q (valid: amount_percent, auto_sell, auto_sell_time)", ErrInvalidSetting, name)
	}
	if err := next.Validate(); err != nil {
		return "", err
	}
	m.settings = next
	m.logger.Info("quickbuy setting changed", zap.String("property", name), zap.String("value", shown))
	return shown, nil
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("%w: auto_sell must be true or false, got %q", ErrInvalidSetting, v)
}

func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: auto_sell_time %q is not a number of seconds", ErrInvalidSetting, v)
	}
	return d, nil
}

// Execute buys AmountPercent of the balance worth of instrument at the best
// ask, sized down to whole cents of a share. With auto-sell on, the filled
// size is sold at the best bid once AutoSellAfter has passed.
func (m *Manager) Execute(ctx context.Context, instrument string) (Execution, error) {
	m.mu.Lock()
	closed, settings := m.closed, m.settings
	m.mu.Unlock()
	if closed {
		return Execution{}, ErrClosed
	}

	ask, ok := m.books.BestAsk(instrument)
	if !ok {
		return Execution{}, fmt.Errorf("%w: no ask for %s", ErrNoPrice, instrument)
	}
	bal, err := m.client.Balance(ctx)
	if err != nil {
		return Execution{}, fmt.Errorf("balance: %w", err)
	}
	amount := bal.Amount.Mul(settings.AmountPercent).Div(decimal.NewFromInt(100)).Truncate(2)
	size := amount.Div(ask.Price).Truncate(2)
	if !size.IsPositive() {
		return Execution{}, fmt.Errorf("%w: %s%% of %s buys no shares at %s",
			ErrTooSmall, settings.AmountPercent, bal.Amount.StringFixed(2), ask.Price)
	}

	res, err := m.client.PlaceOrder(ctx, trading.OrderRequest{
		Instrument: instrument,
		Side:       trading.SideBuy,
		Price:      ask.Price,
		Size:       size,
	})
	if err != nil {
		return Execution{}, err
	}
	if !res.Success {
		return Execution{}, fmt.Errorf("%w: %s", ErrRejected, res.Message)
	}

	// Clients that do not report fills are assumed to fill the whole size.
	filled := size
	if res.Fills != nil {
		filled = decimal.Zero
		for _, f := range res.Fills {
			filled = filled.Add(f.Size)
		}
	}

	exec := Execution{
		OrderID:    res.OrderID,
		Instrument: instrument,
		Price:      ask.Price,
		Size:       size,
		Filled:     filled,
		Amount:     amount,
	}
	if exec.OrderID == "" {
		exec.OrderID = uuid.NewString()
	}
	m.logger.Info("quick buy executed",
		zap.String("order_id", exec.OrderID),
		zap.String("token_id", instrument),
		zap.Stringer("price", ask.Price),
		zap.Stringer("size", size),
		zap.Stringer("filled", filled))

	if settings.AutoSell && settings.AutoSellAfter > 0 && filled.IsPositive() {
		p, err := m.schedule(exec.OrderID, instrument, filled, settings.AutoSellAfter)
		if err != nil {
			return exec, err
		}
		exec.AutoSell = &p
	}
	return exec, nil
}

func (m *Manager) schedule(orderID, instrument string, size decimal.Decimal, after time.Duration) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Pending{}, ErrClosed
	}
	p := Pending{OrderID: orderID, Instrument: instrument, Size: size, SellAt: m.now().Add(after)}
	s := &scheduled{Pending: p}
	s.stop = m.afterFunc(after, func() { m.sell(orderID) })
	m.pending[orderID] = s
	m.logger.Info("auto-sell scheduled", zap.String("order_id", orderID), zap.Duration("after", after))
	return p, nil
}

func (m *Manager) sell(orderID string) {
	m.mu.Lock()
	s, ok := m.pending[orderID]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.pending, orderID)
	m.selling.Add(1)
	m.mu.Unlock()
	defer m.selling.Done()

	log := m.logger.With(zap.String("order_id", orderID), zap.String("token_id", s.Instrument))
	bid, ok := m.books.BestBid(s.Instrument)
	if !ok {
		log.Warn("auto-sell skipped, no bid in the order book")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sellTimeout)
	defer cancel()
	res, err := m.client.PlaceOrder(ctx, trading.OrderRequest{
		Instrument: s.Instrument,
		Side:       trading.SideSell,
		Price:      bid.Price,
		Size:       s.Size,
	})
	switch {
	case err != nil:
		log.Error("auto-sell failed", zap.Error(err))
	case !res.Success:
		log.Warn("auto-sell rejected", zap.String("reason", res.Message))
	default:
		log.Info("auto-sell placed",
			zap.String("sell_order_id", res.OrderID),
			zap.Stringer("price", bid.Price),
			zap.Stringer("size", s.Size))
	}
}

// Pending lists the scheduled auto-sells, soonest first.
func (m *Manager) Pending() []Pending {
	m.mu.Lock()
	out := make([]Pending, 0, len(m.pending))
	for _, s := range m.pending {
		out = append(out, s.Pending)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SellAt.Before(out[j].SellAt) })
	return out
}

// Cancel drops the auto-sell of orderID, which may also be a unique prefix
// of it as shown in listings. It returns the full id it cancelled.
func (m *Manager) Cancel(orderID string) (string, bool) {
	orderID = strings.TrimSuffix(orderID, "...")
	if orderID == "" {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.pending[orderID]
	if !ok {
		for id, cand := range m.pending {
			if !strings.HasPrefix(id, orderID) {
				continue
			}
			if s != nil {
				return "", false
			}
			s = cand
		}
		if s == nil {
			return "", false
		}
	}
	s.stop()
	delete(m.pending, s.OrderID)
	m.logger.Info("auto-sell cancelled", zap.String("order_id", s.OrderID))
	return s.OrderID, true
}

// Close stops every scheduled auto-sell and waits for the ones already
// selling. Later quick buys fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, s := range m.pending {
		s.stop()
		delete(m.pending, id)
	}
	m.mu.Unlock()
	m.selling.Wait()
}

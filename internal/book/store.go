// Package book keeps the live order books fed by the market data stream.
//
// The Store is the only owner of book state. The feed adapter mutates it
// through ApplySnapshot, ApplyLevelUpdate and ApplyTrade; command handlers and
// display code read immutable copies. Each instrument has its own
// single-writer/multi-reader lock, so a level's price and size are always
// read and written together.
package book

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/metrics"
)

type instrumentBook struct {
	mu         sync.RWMutex
	instrument string
	bids       ladder
	asks       ladder
	lastTrade  *Trade
	seq        uint64
	updatedAt  time.Time
	removed    bool
}

func newInstrumentBook(instrument string) *instrumentBook {
	return &instrumentBook{
		instrument: instrument,
		bids:       newLadder(SideBid),
		asks:       newLadder(SideAsk),
	}
}

func (b *instrumentBook) ladder(side Side) *ladder {
	if side == SideBid {
		return &b.bids
	}
	return &b.asks
}

// snapshot must be called with b.mu held (read or write).
func (b *instrumentBook) snapshot(depth int) OrderBook {
	ob := OrderBook{
		Instrument: b.instrument,
		Bids:       b.bids.copyTop(depth),
		Asks:       b.asks.copyTop(depth),
		Seq:        b.seq,
		UpdatedAt:  b.updatedAt,
	}
	if b.lastTrade != nil {
		t := *b.lastTrade
		ob.LastTrade = &t
	}
	return ob
}

type Store struct {
	mu    sync.RWMutex
	books map[string]*instrumentBook

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	aborted   atomic.Bool
	abortOnce sync.Once

	testHookLookup func(instrument string)
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		books:  make(map[string]*instrumentBook),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplySnapshot replaces both ladders of instrument, creating the book if
// this is the first message for it.
func (s *Store) ApplySnapshot(instrument string, bids, asks []PriceLevel) error {
	if err := s.alive(); err != nil {
		return err
	}
	if instrument == "" {
		return fmt.Errorf("%w: empty instrument", ErrInvalidLevel)
	}
	for _, lvl := range append(append([]PriceLevel(nil), bids...), asks...) {
		if err := validateLevel(lvl.Price, lvl.Size); err != nil {
			return err
		}
	}

	b := s.lockLive(instrument)
	defer b.mu.Unlock()

	b.bids.replace(bids)
	b.asks.replace(asks)
	if err := b.bids.verify(); err != nil {
		return s.abort(instrument, err)
	}
	if err := b.asks.verify(); err != nil {
		return s.abort(instrument, err)
	}
	s.touch(b)
	return nil
}

// ApplyLevelUpdate upserts one level; size zero removes it. Applying the same
// update twice leaves the book as applying it once.
func (s *Store) ApplyLevelUpdate(instrument string, side Side, price, size decimal.Decimal) error {
	if err := s.alive(); err != nil {
		return err
	}
	if side != SideBid && side != SideAsk {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidLevel, side)
	}
	if err := validateLevel(price, size); err != nil {
		return err
	}

	b, ok := s.get(instrument)
	if !ok {
		return s.desync(instrument, "level update before snapshot")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.removed {
		return s.desync(instrument, "level update for removed book")
	}

	l := b.ladder(side)
	i := l.upsert(price, size)
	if err := l.verifyAround(i); err != nil {
		return s.abort(instrument, err)
	}
	s.touch(b)
	return nil
}

// ApplyTrade records the last trade. The ladders are not touched.
func (s *Store) ApplyTrade(instrument string, price, size decimal.Decimal) error {
	if err := s.alive(); err != nil {
		return err
	}
	if err := validateLevel(price, size); err != nil {
		return err
	}

	b, ok := s.get(instrument)
	if !ok {
		return s.desync(instrument, "trade before snapshot")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.removed {
		return s.desync(instrument, "trade for removed book")
	}

	b.lastTrade = &Trade{Price: price, Size: size, At: s.now()}
	b.seq++
	b.updatedAt = s.now()
	return nil
}

// Snapshot returns a full copy of the instrument's book.
func (s *Store) Snapshot(instrument string) (OrderBook, bool) {
	return s.Depth(instrument, 0)
}

// Depth returns a copy holding at most depth levels per side.
func (s *Store) Depth(instrument string, depth int) (OrderBook, bool) {
	if s.aborted.Load() {
		return OrderBook{}, false
	}
	b, ok := s.get(instrument)
	if !ok {
		return OrderBook{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.removed {
		return OrderBook{}, false
	}
	return b.snapshot(depth), true
}

func (s *Store) BestBid(instrument string) (PriceLevel, bool) {
	return s.best(instrument, SideBid)
}

func (s *Store) BestAsk(instrument string) (PriceLevel, bool) {
	return s.best(instrument, SideAsk)
}

func (s *Store) best(instrument string, side Side) (PriceLevel, bool) {
	if s.aborted.Load() {
		return PriceLevel{}, false
	}
	b, ok := s.get(instrument)
	if !ok {
		return PriceLevel{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.removed {
		return PriceLevel{}, false
	}
	return b.ladder(side).best()
}

// Remove destroys the instrument's book. Later level or trade updates for it
// count as desync until a new snapshot arrives.
func (s *Store) Remove(instrument string) bool {
	s.mu.Lock()
	b, ok := s.books[instrument]
	delete(s.books, instrument)
	s.mu.Unlock()
	if !ok {
		return false
	}

	b.mu.Lock()
	b.removed = true
	b.mu.Unlock()
	s.metrics.BookRemoved(instrument)
	s.logger.Info("order book removed", zap.String("instrument", instrument))
	return true
}

// Instruments lists the instruments that currently have a book, sorted.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.books))
	for id := range s.books {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Aborted reports whether an internal invariant failed.
func (s *Store) Aborted() bool { return s.aborted.Load() }

func (s *Store) get(instrument string) (*instrumentBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[instrument]
	return b, ok
}

func (s *Store) getOrCreate(instrument string) *instrumentBook {
	if b, ok := s.get(instrument); ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[instrument]
	if !ok {
		b = newInstrumentBook(instrument)
		s.books[instrument] = b
		s.logger.Info("order book created", zap.String("instrument", instrument))
	}
	return b
}

// lockLive returns the instrument's book locked for writing. A book removed
// between the lookup and the lock is detached from the store, so the lookup
// is retried.
func (s *Store) lockLive(instrument string) *instrumentBook {
	for {
		b := s.getOrCreate(instrument)
		if s.testHookLookup != nil {
			s.testHookLookup(instrument)
		}
		b.mu.Lock()
		if !b.removed {
			return b
		}
		b.mu.Unlock()
	}
}

// touch must be called with b.mu held for writing.
func (s *Store) touch(b *instrumentBook) {
	b.seq++
	b.updatedAt = s.now()
	s.metrics.BookDepth(b.instrument, len(b.bids.levels), len(b.asks.levels))

	bid, okBid := b.bids.best()
	ask, okAsk := b.asks.best()
	if okBid && okAsk && bid.Price.GreaterThan(ask.Price) {
		s.logger.Warn("crossed order book",
			zap.String("instrument", b.instrument),
			zap.Stringer("best_bid", bid.Price),
			zap.Stringer("best_ask", ask.Price),
			zap.Uint64("seq", b.seq))
		s.metrics.BookCrossed(b.instrument)
	}
}

func (s *Store) desync(instrument, reason string) error {
	err := &DesyncError{Instrument: instrument, Reason: reason}
	s.logger.Warn("feed desync, update dropped",
		zap.String("instrument", instrument),
		zap.String("reason", reason))
	s.metrics.FeedDesync()
	return err
}

// abort poisons the store. Ladder corruption is a logic bug, not bad input,
// so nothing is served once it has been seen.
func (s *Store) abort(instrument string, cause error) error {
	s.abortOnce.Do(func() {
		s.aborted.Store(true)
		s.logger.Error("order book invariant violated, store aborted",
			zap.String("instrument", instrument),
			zap.Error(cause))
	})
	return fmt.Errorf("%w: %v", ErrStoreAborted, cause)
}

func (s *Store) alive() error {
	if s.aborted.Load() {
		return ErrStoreAborted
	}
	return nil
}

func validateLevel(price, size decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: price %s must be positive", ErrInvalidLevel, price)
	}
	if size.IsNegative() {
		return fmt.Errorf("%w: size %s must not be negative", ErrInvalidLevel, size)
	}
	return nil
}

package pricefeed

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/book"
	"github.com/hakimelghazi/termtrader/internal/metrics"
)

// Adapter decodes raw feed messages and applies them to a Sink. It is safe
// for concurrent use as long as the Sink is.
type Adapter struct {
	source  string
	sink    Sink
	decoder Decoder
	logger  *zap.Logger
	metrics *metrics.Metrics
	filter  func(instrument string) bool
}

type AdapterOption func(*Adapter)

func WithAdapterLogger(l *zap.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithAdapterMetrics(m *metrics.Metrics) AdapterOption {
	return func(a *Adapter) { a.metrics = m }
}

// WithFilter drops updates for instruments the predicate rejects, e.g. frames
// still in flight for a token that was just unsubscribed.
func WithFilter(keep func(instrument string) bool) AdapterOption {
	return func(a *Adapter) { a.filter = keep }
}

// NewAdapter labels everything it records with source ("ws", "nats", "resync").
func NewAdapter(source string, sink Sink, dec Decoder, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		source:  source,
		sink:    sink,
		decoder: dec,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handle decodes one frame and applies every update in it. Updates decoded
// before a malformed entry are still applied.
func (a *Adapter) Handle(raw []byte) error {
	updates, decodeErr := a.decoder.Decode(raw)
	if decodeErr != nil {
		a.metrics.FeedError(a.source)
		a.logger.Warn("feed message rejected",
			zap.String("source", a.source),
			zap.Int("bytes", len(raw)),
			zap.Error(decodeErr))
	}

	errs := []error{decodeErr}
	for _, u := range updates {
		errs = append(errs, a.Apply(u))
	}
	return errors.Join(errs...)
}

// Apply routes a single update to the matching Sink mutation. Updates the
// filter rejects are dropped without error.
func (a *Adapter) Apply(u Update) error {
	if !a.keeps(u.Instrument) {
		return nil
	}

	var err error
	switch u.Kind {
	case KindSnapshot:
		err = a.sink.ApplySnapshot(u.Instrument, u.Bids, u.Asks)
	case KindLevel:
		err = a.sink.ApplyLevelUpdate(u.Instrument, u.Side, u.Price, u.Size)
	case KindTrade:
		err = a.sink.ApplyTrade(u.Instrument, u.Price, u.Size)
	default:
		err = fmt.Errorf("%w: unknown update kind %q", ErrMalformed, u.Kind)
	}

	switch {
	case err == nil:
		a.metrics.FeedUpdate(a.source, string(u.Kind))
	case errors.Is(err, book.ErrFeedDesync):
		// logged and counted by the store
	default:
		a.metrics.FeedError(a.source)
		a.logger.Warn("feed update failed",
			zap.String("source", a.source),
			zap.String("kind", string(u.Kind)),
			zap.String("instrument", u.Instrument),
			zap.Error(err))
	}
	return err
}

func (a *Adapter) keeps(instrument string) bool {
	return a.filter == nil || a.filter(instrument)
}

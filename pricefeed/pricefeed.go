// Package pricefeed turns streamed market data into order book mutations.
//
// Transports (WSWorker, NATSSource, the resync poller) hand raw messages to an
// Adapter. The Adapter decodes them into Updates and applies them to a Sink,
// which in production is *book.Store.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/termtrader/internal/book"
)

type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindLevel    Kind = "level"
	KindTrade    Kind = "trade"
)

// Update is one normalized feed message.
type Update struct {
	Kind       Kind
	Instrument string
	Bids, Asks []book.PriceLevel // snapshot
	Side       book.Side         // level
	Price      decimal.Decimal   // level, trade
	Size       decimal.Decimal   // level, trade
}

// Sink accepts the three mutations a book allows.
type Sink interface {
	ApplySnapshot(instrument string, bids, asks []book.PriceLevel) error
	ApplyLevelUpdate(instrument string, side book.Side, price, size decimal.Decimal) error
	ApplyTrade(instrument string, price, size decimal.Decimal) error
}

// Control is the subscription surface the command handlers drive.
type Control interface {
	Subscribe(ids ...string) error
	Unsubscribe(ids ...string) error
	Subscriptions() []string
	Connected() bool
}

// SnapshotSource fetches a full book out of band, for resync.
type SnapshotSource interface {
	Book(ctx context.Context, instrument string) (bids, asks []book.PriceLevel, err error)
}

// RESTBookSource reads books from the exchange REST endpoint GET /book.
type RESTBookSource struct {
	client  *http.Client
	baseURL string
}

func NewRESTBookSource(baseURL string) *RESTBookSource {
	return &RESTBookSource{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type restLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type restBook struct {
	Bids []restLevel `json:"bids"`
	Asks []restLevel `json:"asks"`
}

func (s *RESTBookSource) Book(ctx context.Context, instrument string) ([]book.PriceLevel, []book.PriceLevel, error) {
	u := fmt.Sprintf("%s/book?token_id=%s", s.baseURL, url.QueryEscape(instrument))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("book %s: unexpected status %d", instrument, resp.StatusCode)
	}

	var body restBook
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("book %s: %w", instrument, err)
	}
	return toLevels(body.Bids), toLevels(body.Asks), nil
}

func toLevels(in []restLevel) []book.PriceLevel {
	out := make([]book.PriceLevel, len(in))
	for i, l := range in {
		out[i] = book.PriceLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

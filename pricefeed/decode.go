package pricefeed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hakimelghazi/termtrader/internal/book"
)

var ErrMalformed = errors.New("malformed feed message")

// Decoder turns one transport frame into zero or more updates. Frames the
// decoder does not care about yield no updates and no error.
type Decoder interface {
	Decode(raw []byte) ([]Update, error)
}

// splitFrame accepts a single JSON object or an array of them.
func splitFrame(raw []byte) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var many []json.RawMessage
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return many, nil
	}
	return []json.RawMessage{raw}, nil
}

// GenericDecoder reads the normalized shapes:
//
//	{"type":"snapshot","instrument":"T","bids":[[0.64,100]],"asks":[[0.66,80]]}
//	{"type":"level","instrument":"T","side":"bid","price":0.64,"size":0}
//	{"type":"trade","instrument":"T","price":0.65,"size":10}
//
// When type is missing it is inferred from the fields present.
type GenericDecoder struct{}

type genericMessage struct {
	Type       string               `json:"type"`
	Instrument string               `json:"instrument"`
	Bids       [][2]decimal.Decimal `json:"bids"`
	Asks       [][2]decimal.Decimal `json:"asks"`
	Side       string               `json:"side"`
	Price      *decimal.Decimal     `json:"price"`
	Size       *decimal.Decimal     `json:"size"`
}

func (GenericDecoder) Decode(raw []byte) ([]Update, error) {
	frames, err := splitFrame(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Update, 0, len(frames))
	for _, f := range frames {
		var m genericMessage
		if err := json.Unmarshal(f, &m); err != nil {
			return out, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		u, err := m.update()
		if err != nil {
			return out, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (m genericMessage) update() (Update, error) {
	if m.Instrument == "" {
		return Update{}, fmt.Errorf("%w: missing instrument", ErrMalformed)
	}
	kind := Kind(m.Type)
	if kind == "" {
		switch {
		case m.Bids != nil || m.Asks != nil:
			kind = KindSnapshot
		case m.Side != "":
			kind = KindLevel
		default:
			kind = KindTrade
		}
	}

	u := Update{Kind: kind, Instrument: m.Instrument}
	switch kind {
	case KindSnapshot:
		u.Bids = pairs(m.Bids)
		u.Asks = pairs(m.Asks)
		return u, nil
	case KindLevel:
		side, err := book.ParseSide(m.Side)
		if err != nil {
			return Update{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		u.Side = side
	case KindTrade:
	default:
		return Update{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	if m.Price == nil || m.Size == nil {
		return Update{}, fmt.Errorf("%w: %s needs price and size", ErrMalformed, kind)
	}
	u.Price, u.Size = *m.Price, *m.Size
	return u, nil
}

func pairs(in [][2]decimal.Decimal) []book.PriceLevel {
	out := make([]book.PriceLevel, len(in))
	for i, p := range in {
		out[i] = book.PriceLevel{Price: p[0], Size: p[1]}
	}
	return out
}

// PolymarketDecoder reads the CLOB market channel: book, price_change and
// last_trade_price events. Other event types are ignored.
type PolymarketDecoder struct{}

type pmLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type pmChange struct {
	AssetID string          `json:"asset_id"`
	TokenID string          `json:"token_id"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    string          `json:"side"`
}

type pmMessage struct {
	EventType    string           `json:"event_type"`
	AssetID      string           `json:"asset_id"`
	TokenID      string           `json:"token_id"`
	Bids         []pmLevel        `json:"bids"`
	Asks         []pmLevel        `json:"asks"`
	PriceChanges []pmChange       `json:"price_changes"`
	Changes      []pmChange       `json:"changes"`
	Price        *decimal.Decimal `json:"price"`
	Size         *decimal.Decimal `json:"size"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (PolymarketDecoder) Decode(raw []byte) ([]Update, error) {
	frames, err := splitFrame(raw)
	if err != nil {
		return nil, err
	}
	var out []Update
	for _, f := range frames {
		var m pmMessage
		if err := json.Unmarshal(f, &m); err != nil {
			return out, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		instrument := firstNonEmpty(m.TokenID, m.AssetID)

		switch m.EventType {
		case "book":
			if instrument == "" {
				return out, fmt.Errorf("%w: book without asset_id", ErrMalformed)
			}
			out = append(out, Update{
				Kind:       KindSnapshot,
				Instrument: instrument,
				Bids:       pmLevels(m.Bids),
				Asks:       pmLevels(m.Asks),
			})

		case "price_change":
			// Newer frames carry asset_id per change, older ones at the top.
			for _, c := range append(m.PriceChanges, m.Changes...) {
				id := firstNonEmpty(c.TokenID, c.AssetID, instrument)
				if id == "" {
					return out, fmt.Errorf("%w: price change without asset_id", ErrMalformed)
				}
				side, err := book.ParseSide(c.Side)
				if err != nil {
					return out, fmt.Errorf("%w: %v", ErrMalformed, err)
				}
				out = append(out, Update{
					Kind:       KindLevel,
					Instrument: id,
					Side:       side,
					Price:      c.Price,
					Size:       c.Size,
				})
			}

		case "last_trade_price":
			if instrument == "" || m.Price == nil {
				return out, fmt.Errorf("%w: last_trade_price without asset_id or price", ErrMalformed)
			}
			size := decimal.Zero
			if m.Size != nil {
				size = *m.Size
			}
			out = append(out, Update{Kind: KindTrade, Instrument: instrument, Price: *m.Price, Size: size})
		}
	}
	return out, nil
}

func pmLevels(in []pmLevel) []book.PriceLevel {
	out := make([]book.PriceLevel, len(in))
	for i, l := range in {
		out[i] = book.PriceLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

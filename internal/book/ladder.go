package book

import (
	"fmt"
	"slices"
	"sort"

	"github.com/shopspring/decimal"
)

// ladder is one side of a book, kept sorted best-first at all times.
// Bids are descending by price, asks ascending.
type ladder struct {
	side   Side
	levels []PriceLevel
}

func newLadder(side Side) ladder {
	return ladder{side: side, levels: make([]PriceLevel, 0)}
}

// better reports whether a ranks ahead of b on this side.
func (l *ladder) better(a, b decimal.Decimal) bool {
	if l.side == SideBid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// search returns the index of price, or the index it would be inserted at.
func (l *ladder) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(l.levels), func(i int) bool {
		return !l.better(l.levels[i].Price, price)
	})
	return i, i < len(l.levels) && l.levels[i].Price.Equal(price)
}

// upsert sets price to size, removing the level when size is zero.
// It returns the index that was touched so the caller can verify around it.
func (l *ladder) upsert(price, size decimal.Decimal) int {
	i, found := l.search(price)
	switch {
	case size.IsZero():
		if found {
			l.levels = slices.Delete(l.levels, i, i+1)
		}
	case found:
		l.levels[i] = PriceLevel{Price: price, Size: size}
	default:
		l.levels = slices.Insert(l.levels, i, PriceLevel{Price: price, Size: size})
	}
	return i
}

// replace swaps in a whole side. Duplicate prices keep the last entry and
// zero sizes are dropped after de-duplication.
func (l *ladder) replace(in []PriceLevel) {
	sorted := slices.Clone(in)
	slices.SortStableFunc(sorted, func(a, b PriceLevel) int {
		switch {
		case l.better(a.Price, b.Price):
			return -1
		case l.better(b.Price, a.Price):
			return 1
		default:
			return 0
		}
	})

	out := make([]PriceLevel, 0, len(sorted))
	for _, lvl := range sorted {
		if n := len(out); n > 0 && out[n-1].Price.Equal(lvl.Price) {
			out[n-1] = lvl
			continue
		}
		out = append(out, lvl)
	}
	out = slices.DeleteFunc(out, func(lvl PriceLevel) bool { return lvl.Size.IsZero() })
	l.levels = out
}

func (l *ladder) best() (PriceLevel, bool) {
	if len(l.levels) == 0 {
		return PriceLevel{}, false
	}
	return l.levels[0], true
}

// copyTop returns up to depth levels; depth <= 0 means all of them.
func (l *ladder) copyTop(depth int) []PriceLevel {
	n := len(l.levels)
	if depth > 0 && depth < n {
		n = depth
	}
	return slices.Clone(l.levels[:n])
}

// verifyAround checks ordering and sizes for the neighbours of index i.
// It is O(1) and runs after every incremental mutation.
func (l *ladder) verifyAround(i int) error {
	for j := i - 1; j <= i; j++ {
		if j < 0 || j+1 >= len(l.levels) {
			continue
		}
		if !l.better(l.levels[j].Price, l.levels[j+1].Price) {
			return fmt.Errorf("%s ladder out of order at %d: %s then %s",
				l.side, j, l.levels[j].Price, l.levels[j+1].Price)
		}
	}
	if i >= 0 && i < len(l.levels) && !l.levels[i].Size.IsPositive() {
		return fmt.Errorf("%s ladder holds non-positive size at %s", l.side, l.levels[i].Price)
	}
	return nil
}

// verify walks the whole side. Used after a snapshot replace.
func (l *ladder) verify() error {
	for i := range l.levels {
		if err := l.verifyAround(i); err != nil {
			return err
		}
	}
	return nil
}

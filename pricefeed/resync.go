package pricefeed

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartResync periodically replaces the books of the instruments returned by
// instruments with a fresh REST snapshot. It blocks until ctx is done.
func StartResync(
	ctx context.Context,
	source SnapshotSource,
	adapter *Adapter,
	instruments func() []string,
	interval time.Duration,
	logger *zap.Logger,
) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refreshOnce(ctx, source, adapter, instruments(), logger)

	for {
		select {
		case <-ticker.C:
			refreshOnce(ctx, source, adapter, instruments(), logger)
		case <-ctx.Done():
			return
		}
	}
}

// refreshOnce returns the number of books it replaced.
func refreshOnce(ctx context.Context, source SnapshotSource, adapter *Adapter, instruments []string, logger *zap.Logger) int {
	n := 0
	for _, id := range instruments {
		if ctx.Err() != nil {
			return n
		}
		if !adapter.keeps(id) {
			continue
		}
		bids, asks, err := source.Book(ctx, id)
		if err != nil {
			logger.Warn("book resync failed", zap.String("instrument", id), zap.Error(err))
			continue
		}
		if err := adapter.Apply(Update{Kind: KindSnapshot, Instrument: id, Bids: bids, Asks: asks}); err != nil {
			continue
		}
		logger.Debug("book resynced", zap.String("instrument", id), zap.Int("bids", len(bids)), zap.Int("asks", len(asks)))
		n++
	}
	return n
}

package pricefeed

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hakimelghazi/termtrader/internal/book"
	"github.com/hakimelghazi/termtrader/internal/metrics"
)

func TestAdapterAppliesFrames(t *testing.T) {
	store := book.NewStore()
	a := NewAdapter("test", store, GenericDecoder{})

	require.NoError(t, a.Handle([]byte(`{"type":"snapshot","instrument":"T","bids":[[0.64,100],[0.63,50]],"asks":[[0.66,80]]}`)))
	require.NoError(t, a.Handle([]byte(`{"type":"level","instrument":"T","side":"bid","price":0.64,"size":0}`)))
	require.NoError(t, a.Handle([]byte(`{"type":"trade","instrument":"T","price":0.65,"size":3}`)))

	ob, ok := store.Snapshot("T")
	require.True(t, ok)
	bid, _ := ob.BestBid()
	assert.Equal(t, "0.63", bid.Price.String())
	require.NotNil(t, ob.LastTrade)
	assert.Equal(t, "0.65", ob.LastTrade.Price.String())
}

func TestAdapterDesync(t *testing.T) {
	store := book.NewStore()
	a := NewAdapter("test", store, GenericDecoder{})

	err := a.Handle([]byte(`{"type":"level","instrument":"X","side":"ask","price":0.5,"size":1}`))
	assert.ErrorIs(t, err, book.ErrFeedDesync)
	_, ok := store.Snapshot("X")
	assert.False(t, ok, "a level update must not create a book")
}

func TestAdapterAppliesPrefixOfBadFrame(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	core, logs := observer.New(zap.WarnLevel)
	store := book.NewStore()
	a := NewAdapter("ws", store, GenericDecoder{}, WithAdapterMetrics(m), WithAdapterLogger(zap.New(core)))

	err := a.Handle([]byte(`[
		{"type":"snapshot","instrument":"T","bids":[[0.5,1]],"asks":[]},
		{"type":"level","instrument":"T","side":"sideways","price":0.5,"size":1}
	]`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, ok := store.Snapshot("T")
	assert.True(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("feed message rejected").Len())

	expected := `
# HELP test_feed_errors_total Feed messages that could not be decoded or applied
# TYPE test_feed_errors_total counter
test_feed_errors_total{source="ws"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_feed_errors_total"))
}

func TestAdapterFilter(t *testing.T) {
	store := book.NewStore()
	a := NewAdapter("test", store, GenericDecoder{}, WithFilter(func(id string) bool { return id == "keep" }))

	require.NoError(t, a.Handle([]byte(`[
		{"type":"snapshot","instrument":"keep","bids":[],"asks":[[0.7,1]]},
		{"type":"level","instrument":"stale","side":"ask","price":0.5,"size":1}
	]`)))

	assert.Equal(t, []string{"keep"}, store.Instruments())
}

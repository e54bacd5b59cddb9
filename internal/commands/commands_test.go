package commands

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakimelghazi/termtrader/internal/book"
	"github.com/hakimelghazi/termtrader/internal/engine"
	"github.com/hakimelghazi/termtrader/internal/quickbuy"
	"github.com/hakimelghazi/termtrader/internal/trading"
)

type fakeFeed struct {
	mu        sync.Mutex
	subs      []string
	connected bool
	failSub   error
}

func (f *fakeFeed) Subscribe(ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSub != nil {
		return f.failSub
	}
	for _, id := range ids {
		if !slices.Contains(f.subs, id) {
			f.subs = append(f.subs, id)
		}
	}
	slices.Sort(f.subs)
	f.connected = true
	return nil
}

func (f *fakeFeed) Unsubscribe(ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = slices.DeleteFunc(f.subs, func(s string) bool { return slices.Contains(ids, s) })
	return nil
}

func (f *fakeFeed) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.subs)
}

func (f *fakeFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

type savedSubs struct {
	mu    sync.Mutex
	calls [][]string
}

func (s *savedSubs) SaveSubscriptions(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, slices.Clone(ids))
	return nil
}

func (s *savedSubs) last() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

type harness struct {
	d     *engine.Dispatcher
	books *book.Store
	paper *trading.PaperClient
	qb    *quickbuy.Manager
	feed  *fakeFeed
	saved *savedSubs
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(p, s string) book.PriceLevel { return book.PriceLevel{Price: d(p), Size: d(s)} }

var session = map[string]any{SessionYesToken: "Y", SessionNoToken: "N"}

func newHarness(t *testing.T) *harness {
	t.Helper()
	books := book.NewStore()
	require.NoError(t, books.ApplySnapshot("Y",
		[]book.PriceLevel{lvl("0.64", "100"), lvl("0.63", "50")},
		[]book.PriceLevel{lvl("0.66", "80"), lvl("0.67", "20")}))

	h := &harness{
		d:     engine.NewDispatcher(engine.Config{}),
		books: books,
		paper: trading.NewPaperClient(books, d("1000"), nil),
		feed:  &fakeFeed{},
		saved: &savedSubs{},
	}
	fixed := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }
	qb, err := quickbuy.New(h.paper, books,
		quickbuy.Settings{AmountPercent: d("10"), AutoSell: true, AutoSellAfter: 30 * time.Second},
		quickbuy.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(qb.Close)
	h.qb = qb

	require.NoError(t, Register(h.d, Deps{
		Books:         books,
		Trading:       h.paper,
		QuickBuy:      qb,
		Feed:          h.feed,
		Subscriptions: h.saved,
		DefaultTokens: []string{"D1", "D2"},
		Now:           clock,
	}))
	require.NoError(t, h.d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.d.Stop(ctx)
	})
	return h
}

func (h *harness) run(t *testing.T, cmd string) engine.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := h.d.Execute(ctx, "test", cmd, engine.WithSession(session))
	require.NoError(t, err)
	return resp
}

func TestGeneralVerbs(t *testing.T) {
	h := newHarness(t)

	resp := h.run(t, "help")
	assert.True(t, resp.Success)
	for _, verb := range []string{"buy <YES|NO> <price> <size>", "orders [list|cancel]", "ws sub", "status"} {
		assert.Contains(t, resp.Message, verb)
	}

	resp = h.run(t, "exit")
	assert.Equal(t, "welcome", resp.Navigation)
	assert.Equal(t, "Returning to welcome screen", resp.Message)

	assert.Equal(t, "Hello, ana! (from test at 2025-03-01 12:30:00 UTC)", h.run(t, "hello ana").Message)
	assert.Equal(t, "Hello! (from test at 2025-03-01 12:30:00 UTC)", h.run(t, "HELLO").Message)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)

	resp := h.run(t, "status")
	require.True(t, resp.Success)
	assert.Contains(t, resp.Message, "Running=true")
	assert.Contains(t, resp.Message, "Market feed: OK (Connected: false, Subscriptions: 0)")
	assert.Contains(t, resp.Message, "Orderbook cache: 1 token(s)")
	assert.Contains(t, resp.Message, "- Y: 2 bids, 2 asks")
}

func TestBuyAndSell(t *testing.T) {
	h := newHarness(t)

	resp := h.run(t, "buy YES 0.66 80")
	require.True(t, resp.Success, resp.Message)
	assert.True(t, strings.HasPrefix(resp.Message, "✓ Buy order placed: YES @ 0.66 x 80 (ID: "), resp.Message)
	assert.NotEmpty(t, resp.Meta["order_id"])

	resp = h.run(t, "sell yes 0.64 10")
	require.True(t, resp.Success, resp.Message)
	assert.Contains(t, resp.Message, "✓ Sell order placed: YES @ 0.64 x 10")

	resp = h.run(t, "buy NO 0.5 1")
	assert.False(t, resp.Success)
	assert.Equal(t, "✗ Buy order failed: no order book for N", resp.Message)
}

func TestBuyValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		cmd  string
		want string
	}{
		{"buy", "Usage: buy <YES|NO> <price> <size>"},
		{"buy YES 0.5", "Usage: buy <YES|NO> <price> <size>"},
		{"sell MAYBE 0.5 1", "Side must be YES or NO"},
		{"buy YES abc 1", "Invalid price: abc"},
		{"buy YES 0.5 lots", "Invalid size: lots"},
		{"buy YES -1 1", "✗ invalid order: price must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			resp := h.run(t, tt.cmd)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.want, resp.Message)
			assert.ErrorIs(t, resp.Err, engine.ErrValidation)
		})
	}
}

func TestBuyWithoutSessionToken(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := h.d.Execute(ctx, "test", "buy NO 0.5 1")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "No NO token found in session. Please select a market first.", resp.Message)
	assert.NoError(t, resp.Err)
}

func TestInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	resp := h.run(t, "buy YES 0.9 5000")
	assert.False(t, resp.Success)
	assert.Equal(t, "✗ Buy order failed: insufficient balance", resp.Message)
}

func TestBalance(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "Balance: $1000.00 USDC", h.run(t, "balance").Message)

	h.run(t, "buy YES 0.66 10")
	assert.Equal(t, "Balance: $993.40 USDC", h.run(t, "balance").Message)
}

func TestOrders(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "No open orders", h.run(t, "orders list").Message)

	placed := h.run(t, "buy YES 0.50 10")
	require.True(t, placed.Success)
	id := placed.Meta["order_id"].(string)

	resp := h.run(t, "orders list")
	assert.True(t, strings.HasPrefix(resp.Message, "Open Orders (1):\n1. "+id[:8]+"... | BUY | $0.5000 x 10.00 | LIVE"), resp.Message)

	resp = h.run(t, "orders cancel "+id)
	assert.Equal(t, "✓ Order cancelled: "+id, resp.Message)

	resp = h.run(t, "orders cancel "+id)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Order not found")

	h.run(t, "buy YES 0.50 1")
	h.run(t, "buy YES 0.51 1")
	assert.Equal(t, "✓ Cancelled 2 order(s)", h.run(t, "orders cancel ALL").Message)

	assert.Equal(t, "Usage: orders [list|cancel] <args>", h.run(t, "orders").Message)
	assert.Equal(t, "Usage: orders cancel <order_id> or orders cancel all", h.run(t, "orders cancel").Message)
	assert.Equal(t, "Unknown orders subcommand: close\nUse: list or cancel", h.run(t, "orders close").Message)
}

func TestOrdersListTruncates(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 12; i++ {
		require.True(t, h.run(t, "buy YES 0.10 1").Success)
	}
	resp := h.run(t, "orders list")
	assert.Contains(t, resp.Message, "Open Orders (12):")
	assert.Contains(t, resp.Message, "10. ")
	assert.NotContains(t, resp.Message, "11. ")
	assert.True(t, strings.HasSuffix(resp.Message, "... and 2 more"))
}

func TestBook(t *testing.T) {
	h := newHarness(t)

	resp := h.run(t, "book YES 1")
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, "Order book Y (seq 1)\n  ASK  0.66 x 80\n  ---- spread 0.02\n  BID  0.64 x 100", resp.Message)
	assert.Equal(t, false, resp.Meta["crossed"])

	resp = h.run(t, "book Y")
	assert.Contains(t, resp.Message, "ASK  0.67 x 20\n  ASK  0.66 x 80")

	assert.False(t, h.run(t, "book NO").Success)
	assert.Equal(t, "Depth must be a positive integer", h.run(t, "book Y zero").Message)
	assert.Equal(t, "Usage: book <YES|NO|token_id> [depth]", h.run(t, "book").Message)
}

func TestWebSocketSubscriptions(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "WebSocket not connected", h.run(t, "ws off").Message)

	resp := h.run(t, "ws sub Y A A")
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, "WebSocket subscribed to 2 token(s)", resp.Message)
	assert.Equal(t, []string{"A", "Y"}, resp.Meta[MetaTokens])
	assert.Equal(t, []string{"A", "Y"}, h.feed.Subscriptions())
	assert.Equal(t, []string{"A", "Y"}, h.saved.last())

	// Replacing the set drops Y and its book.
	resp = h.run(t, "ws sub B")
	require.True(t, resp.Success)
	assert.Equal(t, []string{"B"}, h.feed.Subscriptions())
	_, ok := h.books.Snapshot("Y")
	assert.False(t, ok)

	resp = h.run(t, "ws status")
	assert.Equal(t, "WebSocket: Connected=true, Subscriptions=1\n  - B", resp.Message)

	resp = h.run(t, "ws off")
	require.True(t, resp.Success)
	assert.Equal(t, "WebSocket disconnected - UI data cleared", resp.Message)
	assert.Equal(t, true, resp.Meta[MetaClearUI])
	assert.Empty(t, h.feed.Subscriptions())
	assert.Empty(t, h.saved.last())

	assert.Equal(t, "Usage: 'ws sub [token_ids...]' or 'ws off'", h.run(t, "ws").Message)
	assert.Equal(t, "Usage: 'ws sub [token_ids...]' or 'ws off'", h.run(t, "ws on").Message)
}

func TestWebSocketSubDefaults(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.run(t, "ws sub").Success)
	assert.Equal(t, []string{"N", "Y"}, h.feed.Subscriptions(), "session tokens come first")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := h.d.Execute(ctx, "test", "ws sub")
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, []string{"D1", "D2"}, h.feed.Subscriptions())
}

func TestWebSocketSubscribeFailure(t *testing.T) {
	h := newHarness(t)
	h.feed.failSub = errors.New("socket closed")

	resp := h.run(t, "ws sub X")
	assert.False(t, resp.Success)
	assert.Equal(t, "Failed to subscribe: socket closed", resp.Message)
	assert.Nil(t, h.saved.last())
}

func TestVerbsWithoutCollaborators(t *testing.T) {
	disp := engine.NewDispatcher(engine.Config{})
	require.NoError(t, Register(disp, Deps{}))
	require.NoError(t, disp.Start(context.Background()))
	defer func() { _ = disp.Stop(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for cmd, want := range map[string]string{
		"balance":         "Trading client not available",
		"orders list":     "Trading client not available",
		"buy YES 0.5 1":   "Trading client not available",
		"ws sub X":        "Market feed not configured",
		"book Y":          "Order books not available",
		"positions":       "Trading client not available",
		"refresh balance": "Balance refresh not available",
		"quickbuy see":    "Quick buy not available",
	} {
		resp, err := disp.Execute(ctx, "test", cmd)
		require.NoError(t, err)
		assert.False(t, resp.Success, cmd)
		assert.Equal(t, want, resp.Message, cmd)
	}

	resp, err := disp.Execute(ctx, "test", "status")
	require.NoError(t, err)
	assert.Contains(t, resp.Message, "✗ Market feed: NOT CONFIGURED")
	assert.Contains(t, resp.Message, "✗ Trading client: NOT CONFIGURED")
}

func TestRefreshBalance(t *testing.T) {
	h := newHarness(t)

	assert.NotContains(t, h.run(t, "status").Message, "Balance:")

	resp := h.run(t, "refresh")
	assert.False(t, resp.Success)
	assert.Equal(t, "Usage: refresh balance", resp.Message)

	resp = h.run(t, "refresh balance")
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, "✓ Balance refreshed: $1000.00 USDC", resp.Message)

	assert.Contains(t, h.run(t, "status").Message, "  - Balance: $1000.00 USDC (refreshed 0s ago)")
}

func TestPositions(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "No open positions", h.run(t, "positions").Message)
	assert.Equal(t, "No positions", h.run(t, "positions pnl").Message)

	require.True(t, h.run(t, "buy YES 0.66 80").Success)

	resp := h.run(t, "positions show")
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, "Positions (1):\n1. Y | LONG 80.00 @ $0.6600 | realized $0.00", resp.Message)

	resp = h.run(t, "positions pnl")
	require.True(t, resp.Success, resp.Message)
	assert.Contains(t, resp.Message, "  Y: realized $0.00, unrealized -$1.60 (mark 0.64)")
	assert.Contains(t, resp.Message, "Total: realized $0.00, unrealized -$1.60, net -$1.60")

	resp = h.run(t, "positions value")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Unknown positions subcommand: value")
}

func TestQuickBuy(t *testing.T) {
	h := newHarness(t)

	resp := h.run(t, "quickbuy")
	require.True(t, resp.Success, resp.Message)
	for _, want := range []string{"Amount: 10% of balance", "Auto-Sell: Enabled", "Auto-Sell Time: 30s", "YES Token: Y", "Pending auto-sells: 0"} {
		assert.Contains(t, resp.Message, want)
	}

	assert.Equal(t, "✓ Updated amount_percent = 5", h.run(t, "quickbuy setup amount_percent 5").Message)

	resp = h.run(t, "quickbuy execute yes")
	require.True(t, resp.Success, resp.Message)
	id, _ := resp.Meta["order_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "✓ Quick buy executed: YES 75.75 @ 0.66 ($50.00, 5% of balance) | Auto-sell in 30s (ID: "+shortID(id)+")", resp.Message)

	resp = h.run(t, "quickbuy pending")
	assert.Equal(t, "Pending auto-sells (1):\n1. "+shortID(id)+" | Y | 75.75 shares | sells in 30s", resp.Message)

	assert.Equal(t, "✓ Cancelled auto-sell for order "+id, h.run(t, "quickbuy cancel "+shortID(id)).Message)
	assert.Equal(t, "No pending auto-sells", h.run(t, "quickbuy pending").Message)

	resp = h.run(t, "quickbuy cancel "+id)
	assert.False(t, resp.Success)
	assert.Equal(t, "✗ No pending auto-sell for order "+id, resp.Message)
}

func TestQuickBuyFailures(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		cmd  string
		want string
	}{
		{"quickbuy execute", "Usage: quickbuy execute <yes|no>"},
		{"quickbuy execute maybe", "Side must be YES or NO"},
		{"quickbuy execute no", "✗ Quick buy failed: no price in the order book: no ask for N"},
		{"quickbuy setup auto_sell", "Usage: quickbuy setup <amount_percent|auto_sell|auto_sell_time> <value>"},
		{"quickbuy setup auto_sell maybe", `✗ invalid quickbuy setting: auto_sell must be true or false, got "maybe"`},
		{"quickbuy cancel", "Usage: quickbuy cancel <order_id>"},
		{"quickbuy sideways", "Unknown quickbuy subcommand: sideways\nUse: see, setup, execute, pending or cancel"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			resp := h.run(t, tt.cmd)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.want, resp.Message)
		})
	}
	assert.Empty(t, h.qb.Pending())
}

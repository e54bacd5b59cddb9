// Package commands holds the default verbs of the terminal: help, exit,
// hello, status, trading (buy, sell, balance, refresh, orders, positions,
// quickbuy) and market data (book, ws). Register wires them into a
// dispatcher.
package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/book"
	"github.com/hakimelghazi/termtrader/internal/engine"
	"github.com/hakimelghazi/termtrader/internal/trading"
	"github.com/hakimelghazi/termtrader/pricefeed"
)

// Session keys the terminal fills in once a market is selected.
const (
	SessionYesToken = "yes_token"
	SessionNoToken  = "no_token"
)

// Meta keys handlers add to responses.
const (
	MetaClearUI = "clear_ui"
	MetaTokens  = "tokens"
)

// Books is the part of the order book store the handlers read or prune.
type Books interface {
	Depth(instrument string, depth int) (book.OrderBook, bool)
	Instruments() []string
	Remove(instrument string) bool
}

// SubscriptionStore persists the active feed subscriptions so they survive a
// restart. An empty list clears them.
type SubscriptionStore interface {
	SaveSubscriptions(ids []string) error
}

// Deps are the collaborators of the default handlers. Trading and Feed may be
// nil; the verbs that need them then report that they are unavailable.
type Deps struct {
	Books         Books
	Trading       trading.Client
	QuickBuy      QuickBuy
	Feed          pricefeed.Control
	Subscriptions SubscriptionStore
	// DefaultTokens are subscribed by a bare "ws sub" when the session has
	// no market selected.
	DefaultTokens []string
	Logger        *zap.Logger
	Now           func() time.Time
}

type handlers struct {
	Deps
	d *engine.Dispatcher

	mu        sync.Mutex
	balance   *trading.Balance
	balanceAt time.Time
}

// Register installs every default verb on d. Verbs registered on d later
// replace these.
func Register(d *engine.Dispatcher, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{Deps: deps, d: d}

	for _, hd := range []engine.Handler{
		{Verb: "help", Func: h.help, Usage: "help", Summary: "Show this help"},
		{Verb: "exit", Func: h.exit, Usage: "exit", Summary: "Return to welcome screen"},
		{Verb: "hello", Func: h.hello, Usage: "hello [name]", Summary: "Say hello"},
		{Verb: "status", Func: h.status, Usage: "status", Summary: "Show system status"},
		{Verb: "buy", Func: h.order(trading.SideBuy), Usage: "Usage: buy <YES|NO> <price> <size>", Summary: "Place a limit buy"},
		{Verb: "sell", Func: h.order(trading.SideSell), Usage: "Usage: sell <YES|NO> <price> <size>", Summary: "Place a limit sell"},
		{Verb: "balance", Func: h.showBalance, Usage: "balance", Summary: "Show available balance"},
		{Verb: "refresh", Func: h.refresh, Usage: "Usage: refresh balance", Summary: "Fetch a fresh balance for the status screen"},
		{Verb: "orders", Func: h.orders, Usage: "Usage: orders [list|cancel] <args>", Summary: "List or cancel open orders"},
		{Verb: "positions", Func: h.positions, Usage: "Usage: positions [show|pnl]", Summary: "Show positions and P&L"},
		{Verb: "quickbuy", Func: h.quickbuy, Usage: "Usage: quickbuy [see|setup|execute|pending|cancel] <args>", Summary: "Buy a share of the balance in one step"},
		{Verb: "book", Func: h.book, Usage: "Usage: book <YES|NO|token_id> [depth]", Summary: "Show the order book"},
		{Verb: "ws", Func: h.ws, Usage: "Usage: 'ws sub [token_ids...]' or 'ws off'", Summary: "Manage market data subscriptions"},
	} {
		if err := d.RegisterHandler(hd); err != nil {
			return fmt.Errorf("register %s: %w", hd.Verb, err)
		}
	}
	return nil
}

func (h *handlers) help(context.Context, engine.Request) (engine.Result, error) {
	var b strings.Builder
	b.WriteString("Available Commands:\n")
	for _, hd := range h.d.Registry().Handlers() {
		usage := strings.TrimPrefix(hd.Usage, "Usage: ")
		if usage == "" {
			usage = hd.Verb
		}
		fmt.Fprintf(&b, "  %-32s - %s\n", usage, hd.Summary)
	}
	return engine.OK(strings.TrimRight(b.String(), "\n")), nil
}

func (h *handlers) exit(context.Context, engine.Request) (engine.Result, error) {
	return engine.Result{Message: "Returning to welcome screen", Success: true, Navigation: "welcome"}, nil
}

func (h *handlers) hello(_ context.Context, req engine.Request) (engine.Result, error) {
	origin := req.Origin()
	if origin == "" {
		origin = "unknown"
	}
	ts := h.Now().UTC().Format("2006-01-02 15:04:05")
	if name := req.Arg(0); name != "" {
		return engine.Okf("Hello, %s! (from %s at %s UTC)", name, origin, ts), nil
	}
	return engine.Okf("Hello! (from %s at %s UTC)", origin, ts), nil
}

func (h *handlers) status(context.Context, engine.Request) (engine.Result, error) {
	st := h.d.Stats()
	lines := []string{
		"System Status:",
		fmt.Sprintf("✓ Commands dispatcher: Running=%t, Queue=%d, Processed=%d", st.Running, st.QueueDepth, st.Processed),
		fmt.Sprintf("✓ Handlers: %d registered, %d subscriber(s)", st.Handlers, st.Subscribers),
	}

	if h.Feed != nil {
		lines = append(lines, fmt.Sprintf("✓ Market feed: OK (Connected: %t, Subscriptions: %d)",
			h.Feed.Connected(), len(h.Feed.Subscriptions())))
	} else {
		lines = append(lines, "✗ Market feed: NOT CONFIGURED")
	}
	if h.Trading != nil {
		lines = append(lines, "✓ Trading client: OK")
		if bal, at, ok := h.cachedBalance(); ok {
			lines = append(lines, fmt.Sprintf("  - Balance: $%s %s (refreshed %s)",
				bal.Amount.StringFixed(2), bal.Currency, ago(h.Now(), at)))
		}
	} else {
		lines = append(lines, "✗ Trading client: NOT CONFIGURED")
	}

	if h.Books != nil {
		ids := h.Books.Instruments()
		if len(ids) == 0 {
			lines = append(lines, "  - No cached orderbooks")
		} else {
			lines = append(lines, fmt.Sprintf("✓ Orderbook cache: %d token(s)", len(ids)))
			now := h.Now()
			for _, id := range ids {
				ob, ok := h.Books.Depth(id, 0)
				if !ok {
					continue
				}
				lines = append(lines, fmt.Sprintf("  - %s: %d bids, %d asks (updated %s)",
					shortToken(id), len(ob.Bids), len(ob.Asks), ago(now, ob.UpdatedAt)))
			}
		}
	}
	return engine.OK(strings.Join(lines, "\n")), nil
}

// shortToken abbreviates the long numeric token ids for display.
func shortToken(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-4:]
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%ds ago", int(now.Sub(t).Seconds()))
}

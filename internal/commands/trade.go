package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/engine"
	"github.com/hakimelghazi/termtrader/internal/trading"
)

const maxListedOrders = 10

// sessionToken maps YES/NO to the token selected in the session.
func sessionToken(req engine.Request, outcome string) string {
	switch outcome {
	case "YES":
		return req.SessionString(SessionYesToken)
	case "NO":
		return req.SessionString(SessionNoToken)
	}
	return ""
}

func (h *handlers) order(side trading.Side) engine.HandlerFunc {
	title := "Buy"
	if side == trading.SideSell {
		title = "Sell"
	}

	return func(ctx context.Context, req engine.Request) (engine.Result, error) {
		if req.NArg() < 3 {
			return engine.Result{}, engine.ErrValidation
		}
		outcome := strings.ToUpper(req.Arg(0))
		if outcome != "YES" && outcome != "NO" {
			return engine.Result{}, engine.Invalidf("Side must be YES or NO")
		}
		price, err := decimal.NewFromString(req.Arg(1))
		if err != nil {
			return engine.Result{}, engine.Invalidf("Invalid price: %s", req.Arg(1))
		}
		size, err := decimal.NewFromString(req.Arg(2))
		if err != nil {
			return engine.Result{}, engine.Invalidf("Invalid size: %s", req.Arg(2))
		}
		if h.Trading == nil {
			return engine.Failf("Trading client not available"), nil
		}

		token := sessionToken(req, outcome)
		if token == "" {
			return engine.Failf("No %s token found in session. Please select a market first.", outcome), nil
		}

		o := trading.OrderRequest{Instrument: token, Side: side, Price: price, Size: size}
		if err := o.Validate(); err != nil {
			return engine.Result{}, engine.Invalidf("✗ %v", err)
		}

		h.Logger.Info("submitting order",
			zap.String("trace_id", req.TraceID()),
			zap.String("side", string(side)),
			zap.String("outcome", outcome),
			zap.Stringer("price", price),
			zap.Stringer("size", size))

		res, err := h.Trading.PlaceOrder(ctx, o)
		if err != nil {
			h.Logger.Warn("order failed", zap.String("trace_id", req.TraceID()), zap.Error(err))
			return engine.Failf("✗ %s error: %v", title, err), nil
		}
		if !res.Success {
			reason := res.Message
			if reason == "" {
				reason = "Unknown error"
			}
			return engine.Failf("✗ %s order failed: %s", title, reason), nil
		}

		id := res.OrderID
		if id == "" {
			id = "N/A"
		}
		return engine.Result{
			Message: fmt.Sprintf("✓ %s order placed: %s @ %s x %s (ID: %s)", title, outcome, price, size, id),
			Success: true,
			Meta:    map[string]any{"order_id": id},
		}, nil
	}
}

func (h *handlers) showBalance(ctx context.Context, _ engine.Request) (engine.Result, error) {
	if h.Trading == nil {
		return engine.Failf("Trading client not available"), nil
	}
	bal, err := h.fetchBalance(ctx)
	if err != nil {
		return engine.Failf("✗ Balance error: %v", err), nil
	}
	return engine.Okf("Balance: $%s %s", bal.Amount.StringFixed(2), bal.Currency), nil
}

func (h *handlers) refresh(ctx context.Context, req engine.Request) (engine.Result, error) {
	if !strings.EqualFold(req.Arg(0), "balance") {
		return engine.Result{}, engine.ErrValidation
	}
	if h.Trading == nil {
		return engine.Failf("Balance refresh not available"), nil
	}
	bal, err := h.fetchBalance(ctx)
	if err != nil {
		return engine.Failf("✗ Balance refresh failed: %v", err), nil
	}
	return engine.Okf("✓ Balance refreshed: $%s %s", bal.Amount.StringFixed(2), bal.Currency), nil
}

// fetchBalance asks the client and keeps the answer for the status screen.
func (h *handlers) fetchBalance(ctx context.Context) (trading.Balance, error) {
	bal, err := h.Trading.Balance(ctx)
	if err != nil {
		return trading.Balance{}, err
	}
	h.mu.Lock()
	h.balance, h.balanceAt = &bal, h.Now()
	h.mu.Unlock()
	return bal, nil
}

func (h *handlers) cachedBalance() (trading.Balance, time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.balance == nil {
		return trading.Balance{}, time.Time{}, false
	}
	return *h.balance, h.balanceAt, true
}

func (h *handlers) positions(ctx context.Context, req engine.Request) (engine.Result, error) {
	if h.Trading == nil {
		return engine.Failf("Trading client not available"), nil
	}
	sub := strings.ToLower(req.Arg(0))
	if sub != "" && sub != "show" && sub != "pnl" {
		return engine.Failf("Unknown positions subcommand: %s\nUse: show or pnl", sub), nil
	}

	pos, err := h.Trading.Positions(ctx)
	if err != nil {
		return engine.Failf("✗ Failed to get positions: %v", err), nil
	}
	if sub == "pnl" {
		return engine.OK(h.pnl(pos)), nil
	}

	open := 0
	var b strings.Builder
	for _, p := range pos {
		if p.Size.IsZero() {
			continue
		}
		open++
		dir := "LONG"
		if p.Size.IsNegative() {
			dir = "SHORT"
		}
		fmt.Fprintf(&b, "%d. %s | %s %s @ $%s | realized %s\n",
			open, shortToken(p.Instrument), dir, p.Size.Abs().StringFixed(2), p.AvgPrice.StringFixed(4), usd(p.Realized))
	}
	if open == 0 {
		return engine.OK("No open positions"), nil
	}
	return engine.OK(fmt.Sprintf("Positions (%d):\n%s", open, strings.TrimRight(b.String(), "\n"))), nil
}

// pnl marks longs at the best bid and shorts at the best ask.
func (h *handlers) pnl(pos []trading.Position) string {
	if len(pos) == 0 {
		return "No positions"
	}
	realized, unrealized := decimal.Zero, decimal.Zero
	lines := []string{"P&L Summary:"}
	for _, p := range pos {
		realized = realized.Add(p.Realized)
		line := fmt.Sprintf("  %s: realized %s", shortToken(p.Instrument), usd(p.Realized))
		if !p.Size.IsZero() {
			if mark, ok := h.mark(p); ok {
				u := mark.Sub(p.AvgPrice).Mul(p.Size)
				unrealized = unrealized.Add(u)
				line += fmt.Sprintf(", unrealized %s (mark %s)", usd(u), mark)
			} else {
				line += ", unrealized n/a (no book)"
			}
		}
		lines = append(lines, line)
	}
	lines = append(lines, fmt.Sprintf("Total: realized %s, unrealized %s, net %s",
		usd(realized), usd(unrealized), usd(realized.Add(unrealized))))
	return strings.Join(lines, "\n")
}

func (h *handlers) mark(p trading.Position) (decimal.Decimal, bool) {
	if h.Books == nil {
		return decimal.Zero, false
	}
	ob, ok := h.Books.Depth(p.Instrument, 1)
	if !ok {
		return decimal.Zero, false
	}
	side := ob.Bids
	if p.Size.IsNegative() {
		side = ob.Asks
	}
	if len(side) == 0 {
		return decimal.Zero, false
	}
	return side[0].Price, true
}

func usd(v decimal.Decimal) string {
	if v.IsNegative() {
		return "-$" + v.Abs().StringFixed(2)
	}
	return "$" + v.StringFixed(2)
}

func (h *handlers) orders(ctx context.Context, req engine.Request) (engine.Result, error) {
	if req.NArg() < 1 {
		return engine.Result{}, engine.ErrValidation
	}
	if h.Trading == nil {
		return engine.Failf("Trading client not available"), nil
	}

	switch sub := strings.ToLower(req.Arg(0)); sub {
	case "list":
		return h.listOrders(ctx)
	case "cancel":
		if req.NArg() < 2 {
			return engine.Result{}, engine.Invalidf("Usage: orders cancel <order_id> or orders cancel all")
		}
		return h.cancelOrder(ctx, req.Arg(1))
	default:
		return engine.Failf("Unknown orders subcommand: %s\nUse: list or cancel", sub), nil
	}
}

func (h *handlers) listOrders(ctx context.Context) (engine.Result, error) {
	open, err := h.Trading.OpenOrders(ctx)
	if err != nil {
		return engine.Failf("✗ Failed to get orders: %v", err), nil
	}
	if len(open) == 0 {
		return engine.OK("No open orders"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Open Orders (%d):\n", len(open))
	for i, o := range open {
		if i == maxListedOrders {
			fmt.Fprintf(&b, "... and %d more\n", len(open)-maxListedOrders)
			break
		}
		fmt.Fprintf(&b, "%d. %s | %s | $%s x %s | %s\n",
			i+1, shortID(o.ID), o.Side, o.Price.StringFixed(4), o.Size.StringFixed(2), o.Status)
	}
	return engine.OK(strings.TrimRight(b.String(), "\n")), nil
}

func (h *handlers) cancelOrder(ctx context.Context, target string) (engine.Result, error) {
	if strings.EqualFold(target, "all") {
		n, err := h.Trading.CancelAll(ctx)
		if err != nil {
			return engine.Failf("✗ %v", err), nil
		}
		return engine.Okf("✓ Cancelled %d order(s)", n), nil
	}

	err := h.Trading.CancelOrder(ctx, target)
	switch {
	case errors.Is(err, trading.ErrOrderNotFound):
		return engine.Failf("✗ Order not found: %s", target), nil
	case err != nil:
		return engine.Failf("✗ %v", err), nil
	}
	return engine.Okf("✓ Order cancelled: %s", target), nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

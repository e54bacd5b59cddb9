package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/engine"
	"github.com/hakimelghazi/termtrader/internal/quickbuy"
)

// QuickBuy runs one step buys and their delayed auto-sells.
type QuickBuy interface {
	Settings() quickbuy.Settings
	Set(name, value string) (string, error)
	Execute(ctx context.Context, instrument string) (quickbuy.Execution, error)
	Pending() []quickbuy.Pending
	Cancel(orderID string) (string, bool)
}

func (h *handlers) quickbuy(ctx context.Context, req engine.Request) (engine.Result, error) {
	if h.QuickBuy == nil {
		return engine.Failf("Quick buy not available"), nil
	}

	switch sub := strings.ToLower(req.Arg(0)); sub {
	case "", "see":
		return h.quickbuySettings(req), nil
	case "setup":
		if req.NArg() < 3 {
			return engine.Result{}, engine.Invalidf("Usage: quickbuy setup <amount_percent|auto_sell|auto_sell_time> <value>")
		}
		prop := strings.ToLower(req.Arg(1))
		v, err := h.QuickBuy.Set(prop, req.Arg(2))
		if err != nil {
			return engine.Result{}, engine.Invalidf("✗ %v", err)
		}
		return engine.Okf("✓ Updated %s = %s", prop, v), nil
	case "execute":
		if req.NArg() < 2 {
			return engine.Result{}, engine.Invalidf("Usage: quickbuy execute <yes|no>")
		}
		return h.quickbuyExecute(ctx, req, strings.ToUpper(req.Arg(1)))
	case "pending":
		return h.quickbuyPending(), nil
	case "cancel":
		if req.NArg() < 2 {
			return engine.Result{}, engine.Invalidf("Usage: quickbuy cancel <order_id>")
		}
		id, ok := h.QuickBuy.Cancel(req.Arg(1))
		if !ok {
			return engine.Failf("✗ No pending auto-sell for order %s", req.Arg(1)), nil
		}
		return engine.Okf("✓ Cancelled auto-sell for order %s", id), nil
	default:
		return engine.Failf("Unknown quickbuy subcommand: %s\nUse: see, setup, execute, pending or cancel", sub), nil
	}
}

func (h *handlers) quickbuySettings(req engine.Request) engine.Result {
	s := h.QuickBuy.Settings()
	autoSell := "Disabled"
	if s.AutoSell {
		autoSell = "Enabled"
	}
	token := func(outcome string) string {
		if t := sessionToken(req, outcome); t != "" {
			return shortToken(t)
		}
		return "Not available"
	}

	lines := []string{
		"QuickBuy Configuration:",
		fmt.Sprintf("  %-32s [quickbuy setup amount_percent <0-100>]", "Amount: "+s.AmountPercent.String()+"% of balance"),
		fmt.Sprintf("  %-32s [quickbuy setup auto_sell <true|false>]", "Auto-Sell: "+autoSell),
		fmt.Sprintf("  %-32s [quickbuy setup auto_sell_time <seconds>]", "Auto-Sell Time: "+s.AutoSellAfter.String()),
		"  YES Token: " + token("YES"),
		"  NO Token:  " + token("NO"),
		fmt.Sprintf("  Pending auto-sells: %d", len(h.QuickBuy.Pending())),
	}
	return engine.OK(strings.Join(lines, "\n"))
}

func (h *handlers) quickbuyExecute(ctx context.Context, req engine.Request, outcome string) (engine.Result, error) {
	if outcome != "YES" && outcome != "NO" {
		return engine.Result{}, engine.Invalidf("Side must be YES or NO")
	}
	token := sessionToken(req, outcome)
	if token == "" {
		return engine.Failf("✗ Cannot execute quick buy: %s token not available. Select a market first.", outcome), nil
	}

	exec, err := h.QuickBuy.Execute(ctx, token)
	if err != nil {
		h.Logger.Warn("quick buy failed",
			zap.String("trace_id", req.TraceID()),
			zap.String("outcome", outcome),
			zap.Error(err))
		return engine.Failf("✗ Quick buy failed: %v", err), nil
	}

	pct := h.QuickBuy.Settings().AmountPercent
	msg := fmt.Sprintf("✓ Quick buy executed: %s %s @ %s ($%s, %s%% of balance)",
		outcome, exec.Size, exec.Price, exec.Amount.StringFixed(2), pct)
	if exec.Filled.LessThan(exec.Size) {
		msg += fmt.Sprintf(" | filled %s", exec.Filled)
	}
	if exec.AutoSell != nil {
		msg += fmt.Sprintf(" | Auto-sell in %s (ID: %s)", exec.AutoSell.SellAt.Sub(h.Now()).Round(time.Second), shortID(exec.OrderID))
	}
	return engine.Result{
		Message: msg,
		Success: true,
		Meta:    map[string]any{"order_id": exec.OrderID},
	}, nil
}

func (h *handlers) quickbuyPending() engine.Result {
	pending := h.QuickBuy.Pending()
	if len(pending) == 0 {
		return engine.OK("No pending auto-sells")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pending auto-sells (%d):\n", len(pending))
	now := h.Now()
	for i, p := range pending {
		due := "now"
		if left := p.SellAt.Sub(now); left > 0 {
			due = "in " + left.Round(time.Second).String()
		}
		fmt.Fprintf(&b, "%d. %s | %s | %s shares | sells %s\n",
			i+1, shortID(p.OrderID), shortToken(p.Instrument), p.Size, due)
	}
	return engine.OK(strings.TrimRight(b.String(), "\n"))
}

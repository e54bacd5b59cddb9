package commands

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/engine"
)

const defaultBookDepth = 5

func (h *handlers) book(_ context.Context, req engine.Request) (engine.Result, error) {
	if req.NArg() < 1 {
		return engine.Result{}, engine.ErrValidation
	}
	if h.Books == nil {
		return engine.Failf("Order books not available"), nil
	}

	id := req.Arg(0)
	if tok := sessionToken(req, strings.ToUpper(id)); tok != "" {
		id = tok
	}
	depth := defaultBookDepth
	if req.NArg() > 1 {
		n, err := strconv.Atoi(req.Arg(1))
		if err != nil || n <= 0 {
			return engine.Result{}, engine.Invalidf("Depth must be a positive integer")
		}
		depth = n
	}

	ob, ok := h.Books.Depth(id, depth)
	if !ok {
		return engine.Failf("No order book for %s", shortToken(id)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Order book %s (seq %d)\n", shortToken(id), ob.Seq)
	for i := len(ob.Asks) - 1; i >= 0; i-- {
		a := ob.Asks[i]
		fmt.Fprintf(&b, "  ASK  %s x %s\n", a.Price, a.Size)
	}
	if spread, ok := ob.Spread(); ok {
		fmt.Fprintf(&b, "  ---- spread %s\n", spread)
	} else {
		b.WriteString("  ----\n")
	}
	for _, l := range ob.Bids {
		fmt.Fprintf(&b, "  BID  %s x %s\n", l.Price, l.Size)
	}
	if ob.LastTrade != nil {
		fmt.Fprintf(&b, "  last trade %s x %s\n", ob.LastTrade.Price, ob.LastTrade.Size)
	}
	return engine.Result{
		Message: strings.TrimRight(b.String(), "\n"),
		Success: true,
		Meta:    map[string]any{"crossed": ob.Crossed()},
	}, nil
}

func (h *handlers) ws(_ context.Context, req engine.Request) (engine.Result, error) {
	if req.NArg() < 1 {
		return engine.Result{}, engine.ErrValidation
	}
	if h.Feed == nil {
		return engine.Failf("Market feed not configured"), nil
	}

	switch sub := strings.ToLower(req.Arg(0)); sub {
	case "sub":
		return h.wsSub(req)
	case "off":
		return h.wsOff(req)
	case "status":
		subs := h.Feed.Subscriptions()
		msg := fmt.Sprintf("WebSocket: Connected=%t, Subscriptions=%d", h.Feed.Connected(), len(subs))
		for _, id := range subs {
			msg += "\n  - " + shortToken(id)
		}
		return engine.OK(msg), nil
	default:
		return engine.Result{}, engine.ErrValidation
	}
}

// wsSub replaces the subscription set. Books of dropped tokens are removed.
func (h *handlers) wsSub(req engine.Request) (engine.Result, error) {
	ids := req.Args()[1:]
	if len(ids) == 0 {
		for _, tok := range []string{req.SessionString(SessionYesToken), req.SessionString(SessionNoToken)} {
			if tok != "" {
				ids = append(ids, tok)
			}
		}
	}
	if len(ids) == 0 {
		ids = slices.Clone(h.DefaultTokens)
	}
	if len(ids) == 0 {
		return engine.Failf("No tokens to subscribe. Use 'ws sub <token_ids...>' or select a market first."), nil
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var drop []string
	for _, id := range h.Feed.Subscriptions() {
		if !slices.Contains(ids, id) {
			drop = append(drop, id)
		}
	}
	if err := h.unsubscribe(drop); err != nil {
		return engine.Failf("Failed to update subscriptions: %v", err), nil
	}
	if err := h.Feed.Subscribe(ids...); err != nil {
		return engine.Failf("Failed to subscribe: %v", err), nil
	}
	h.persist(req, ids)

	h.Logger.Info("feed subscriptions replaced",
		zap.String("trace_id", req.TraceID()),
		zap.Strings("tokens", ids),
		zap.Int("dropped", len(drop)))

	return engine.Result{
		Message: fmt.Sprintf("WebSocket subscribed to %d token(s)", len(ids)),
		Success: true,
		Meta:    map[string]any{MetaTokens: ids},
	}, nil
}

func (h *handlers) wsOff(req engine.Request) (engine.Result, error) {
	subs := h.Feed.Subscriptions()
	if !h.Feed.Connected() && len(subs) == 0 {
		return engine.Failf("WebSocket not connected"), nil
	}
	if err := h.unsubscribe(subs); err != nil {
		return engine.Failf("Failed to disconnect: %v", err), nil
	}
	h.persist(req, nil)

	h.Logger.Info("feed disconnected by command", zap.String("trace_id", req.TraceID()))
	return engine.Result{
		Message: "WebSocket disconnected - UI data cleared",
		Success: true,
		Meta:    map[string]any{MetaClearUI: true},
	}, nil
}

func (h *handlers) unsubscribe(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := h.Feed.Unsubscribe(ids...); err != nil {
		return err
	}
	if h.Books != nil {
		for _, id := range ids {
			h.Books.Remove(id)
		}
	}
	return nil
}

// persist failures are logged only; the live subscription already changed.
func (h *handlers) persist(req engine.Request, ids []string) {
	if h.Subscriptions == nil {
		return
	}
	if err := h.Subscriptions.SaveSubscriptions(ids); err != nil {
		h.Logger.Warn("saving subscriptions failed", zap.String("trace_id", req.TraceID()), zap.Error(err))
	}
}

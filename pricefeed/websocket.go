package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("websocket not connected")

// Handler consumes raw frames; *Adapter is the production implementation.
type Handler interface {
	Handle(raw []byte) error
}

const (
	pingFrame = "PING"
	pongFrame = "PONG"
)

type subscribeMessage struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
}

// WSWorker keeps a market channel connection alive: it reconnects with
// exponential backoff, resends the subscription set on every connect and
// keeps the socket warm with text PING frames.
type WSWorker struct {
	url     string
	handler Handler
	logger  *zap.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]struct{}

	connected atomic.Bool
	started   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	ReadTimeout  time.Duration
	PingInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func NewWSWorker(url string, h Handler, logger *zap.Logger) *WSWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSWorker{
		url:          url,
		handler:      h,
		logger:       logger.With(zap.String("source", "ws")),
		subs:         make(map[string]struct{}),
		ReadTimeout:  60 * time.Second,
		PingInterval: 10 * time.Second,
		BackoffBase:  baseDelay,
		BackoffMax:   maxDelay,
	}
}

// Start launches the connection loop. Calling it twice is a no-op.
func (w *WSWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (w *WSWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

// Subscribe adds ids to the subscription set. On a live connection the
// change is sent right away; otherwise it goes out with the next connect.
func (w *WSWorker) Subscribe(ids ...string) error {
	added := w.update(ids, true)
	if len(added) == 0 || !w.Connected() {
		return nil
	}
	return w.writeJSON(subscribeMessage{AssetsIDs: added, Operation: "subscribe"})
}

func (w *WSWorker) Unsubscribe(ids ...string) error {
	removed := w.update(ids, false)
	if len(removed) == 0 || !w.Connected() {
		return nil
	}
	return w.writeJSON(subscribeMessage{AssetsIDs: removed, Operation: "unsubscribe"})
}

// update returns the ids that actually changed membership.
func (w *WSWorker) update(ids []string, add bool) []string {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	var changed []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		_, has := w.subs[id]
		switch {
		case add && !has:
			w.subs[id] = struct{}{}
			changed = append(changed, id)
		case !add && has:
			delete(w.subs, id)
			changed = append(changed, id)
		}
	}
	return changed
}

// Subscriptions returns the current set, sorted.
func (w *WSWorker) Subscriptions() []string {
	w.subMu.Lock()
	out := make([]string, 0, len(w.subs))
	for id := range w.subs {
		out = append(out, id)
	}
	w.subMu.Unlock()
	slices.Sort(out)
	return out
}

// Subscribed reports whether id is in the set. It fits WithFilter.
func (w *WSWorker) Subscribed(id string) bool {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	_, ok := w.subs[id]
	return ok
}

func (w *WSWorker) Connected() bool { return w.connected.Load() }

func (w *WSWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := Backoff(retry, w.BackoffBase, w.BackoffMax)
			w.logger.Warn("websocket connect failed",
				zap.String("url", w.url),
				zap.Int("retry", retry),
				zap.Duration("backoff", delay),
				zap.Error(err))
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		w.process(ctx)
	}
}

func (w *WSWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("User-Agent", "termtrader")

	conn, _, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	// Holding subMu until connected is set means a concurrent Subscribe is
	// either in this message or sent after it.
	w.subMu.Lock()
	subs := make([]string, 0, len(w.subs))
	for id := range w.subs {
		subs = append(subs, id)
	}
	slices.Sort(subs)
	if len(subs) > 0 {
		if err := w.writeJSON(subscribeMessage{AssetsIDs: subs, Type: "market"}); err != nil {
			w.subMu.Unlock()
			w.close()
			return fmt.Errorf("send subscription: %w", err)
		}
	}
	w.connected.Store(true)
	w.subMu.Unlock()

	if w.PingInterval > 0 {
		w.wg.Add(1)
		go w.pingLoop(ctx, conn)
	}

	w.logger.Info("websocket connected", zap.String("url", w.url), zap.Int("subscriptions", len(subs)))
	return nil
}

func (w *WSWorker) process(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil || ctx.Err() != nil {
			return
		}

		if w.ReadTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		}
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("websocket read failed", zap.Error(err))
			}
			w.close()
			return
		}

		if string(msg) == pongFrame {
			continue
		}
		// The adapter logs and counts its own failures.
		_ = w.handler.Handle(msg)
	}
}

// pingLoop exits when its connection is replaced or closed.
func (w *WSWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != conn {
				return
			}
			if err := w.write(websocket.TextMessage, []byte(pingFrame)); err != nil {
				w.logger.Warn("websocket ping failed", zap.Error(err))
				w.close()
				return
			}
		}
	}
}

func (w *WSWorker) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, data)
}

func (w *WSWorker) write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.WriteMessage(msgType, data)
}

func (w *WSWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected.Store(false)
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/metrics"
)

// Subscriber observes every response. Returned errors and panics are logged
// and do not affect other subscribers.
type Subscriber func(Response) error

type SubscriptionID uint64

type subscription struct {
	id SubscriptionID
	fn Subscriber
}

type delivery struct {
	resp Response
	subs []subscription
}

// Hub fans responses out to subscribers on its own goroutine. Publish only
// appends to an unbounded queue, so a slow subscriber delays later
// notifications but never the dispatcher.
type Hub struct {
	mu     sync.Mutex
	subs   []subscription
	nextID SubscriptionID

	pending *queue[delivery]
	logger  *zap.Logger
	metrics *metrics.Metrics

	startOnce sync.Once
	done      chan struct{}
}

func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		pending: newQueue[delivery](Unbounded),
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Subscribe adds fn after all current subscribers.
func (h *Hub) Subscribe(fn Subscriber) SubscriptionID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subs = append(h.subs, subscription{id: h.nextID, fn: fn})
	return h.nextID
}

func (h *Hub) Unsubscribe(id SubscriptionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish queues resp for everyone subscribed right now. Subscribers added
// later do not see it.
func (h *Hub) Publish(resp Response) {
	h.mu.Lock()
	subs := h.subs
	h.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	if err := h.pending.push(delivery{resp: resp, subs: subs}); err != nil {
		h.logger.Warn("response dropped, hub closed",
			zap.String("trace_id", resp.TraceID()),
			zap.String("raw", resp.Raw))
	}
}

// Start launches the delivery goroutine. Calling it again is a no-op.
func (h *Hub) Start() {
	h.startOnce.Do(func() { go h.run() })
}

// Close stops accepting responses and waits until queued ones are delivered.
func (h *Hub) Close(ctx context.Context) error {
	h.pending.close()
	h.Start()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		d, ok := h.pending.pop()
		if !ok {
			if h.pending.isClosed() {
				return
			}
			<-h.pending.wait()
			continue
		}
		for _, s := range d.subs {
			h.notify(s, d.resp)
		}
	}
}

func (h *Hub) notify(s subscription, resp Response) {
	defer func() {
		if r := recover(); r != nil {
			h.failed(s, resp, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := s.fn(resp.Clone()); err != nil {
		h.failed(s, resp, err)
	}
}

func (h *Hub) failed(s subscription, resp Response, err error) {
	h.metrics.SubscriberFailed()
	h.logger.Warn("subscriber failed",
		zap.Uint64("subscription", uint64(s.id)),
		zap.String("trace_id", resp.TraceID()),
		zap.Error(err))
}

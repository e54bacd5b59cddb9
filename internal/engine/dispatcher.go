// Package engine runs free-text commands one at a time.
//
// Submit parses a command line, queues it and returns a Future at once. A
// single worker goroutine drains the queue in arrival order, looks the verb up
// in the Registry and runs its handler; no two handlers run together. Every
// accepted command resolves its Future with exactly one Response, which is
// then handed to the Hub for the subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/metrics"
)

const (
	DefaultQueueCapacity = 1024
	// Unbounded turns backpressure off. It has to be asked for explicitly.
	Unbounded = -1
)

type Config struct {
	// QueueCapacity bounds queued commands. 0 means DefaultQueueCapacity.
	QueueCapacity int
	// CommandTimeout limits each handler run. 0 disables it.
	CommandTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

type pending struct {
	req Request
	fut *Future
}

type Dispatcher struct {
	registry *Registry
	hub      *Hub
	queue    *queue[pending]
	capacity int
	timeout  time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}

	running   atomic.Bool
	processed atomic.Uint64
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	capacity := cfg.QueueCapacity
	switch {
	case capacity == 0:
		capacity = DefaultQueueCapacity
	case capacity < 0:
		capacity = Unbounded
	}
	return &Dispatcher{
		registry: NewRegistry(),
		hub:      NewHub(cfg.Logger.Named("hub"), cfg.Metrics),
		queue:    newQueue[pending](capacity),
		capacity: capacity,
		timeout:  cfg.CommandTimeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Register adds or replaces the handler for verb.
func (d *Dispatcher) Register(verb string, fn HandlerFunc, opts ...HandlerOption) error {
	h := Handler{Verb: verb, Func: fn}
	for _, opt := range opts {
		opt(&h)
	}
	return d.RegisterHandler(h)
}

func (d *Dispatcher) RegisterHandler(h Handler) error {
	replaced, err := d.registry.Register(h)
	if err != nil {
		return err
	}
	if replaced {
		d.logger.Info("handler replaced", zap.String("verb", h.Verb))
	}
	return nil
}

func (d *Dispatcher) Subscribe(fn Subscriber) SubscriptionID { return d.hub.Subscribe(fn) }

func (d *Dispatcher) Unsubscribe(id SubscriptionID) bool { return d.hub.Unsubscribe(id) }

type submitOptions struct {
	session map[string]any
	meta    map[string]any
}

type SubmitOption func(*submitOptions)

func WithSession(session map[string]any) SubmitOption {
	return func(o *submitOptions) { o.session = session }
}

func WithMeta(meta map[string]any) SubmitOption {
	return func(o *submitOptions) { o.meta = meta }
}

// Submit queues command and returns without blocking. If the queue is full or
// the dispatcher is stopped the Future is already resolved when returned.
func (d *Dispatcher) Submit(origin, command string, opts ...SubmitOption) *Future {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	req := NewRequest(origin, command, o.session, o.meta)
	fut := newFuture()

	if err := d.queue.push(pending{req: req, fut: fut}); err != nil {
		if errors.Is(err, ErrBackpressure) {
			d.finish(req, fut, d.reject(req, fmt.Errorf("%w: capacity %d", ErrBackpressure, d.capacity),
				fmt.Sprintf("Command queue full (capacity %d)", d.capacity)))
		} else {
			d.finish(req, fut, d.closedResponse(req))
		}
		return fut
	}
	d.metrics.QueueDepth(d.queue.len())
	return fut
}

// Execute submits command and waits for its response.
func (d *Dispatcher) Execute(ctx context.Context, origin, command string, opts ...SubmitOption) (Response, error) {
	return d.Submit(origin, command, opts...).Wait(ctx)
}

// Start launches the worker. Cancelling ctx abandons whatever is still queued.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherClosed
	}
	if d.started {
		return nil
	}
	d.started = true
	d.running.Store(true)
	d.hub.Start()
	go d.run(ctx)
	d.logger.Info("dispatcher started",
		zap.Int("queue_capacity", d.capacity),
		zap.Duration("command_timeout", d.timeout))
	return nil
}

// Stop refuses new commands, lets the worker finish the queue and then flushes
// the hub. It returns ctx.Err() if ctx ends first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	started := d.started
	d.stopped = true
	d.mu.Unlock()

	d.queue.close()
	if started {
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		d.abandon()
	}
	if err := d.hub.Close(ctx); err != nil {
		return err
	}
	d.logger.Info("dispatcher stopped", zap.Uint64("processed", d.processed.Load()))
	return nil
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Processed     uint64 `json:"processed"`
	Running       bool   `json:"running"`
	Handlers      int    `json:"handlers"`
	Subscribers   int    `json:"subscribers"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth:    d.queue.len(),
		QueueCapacity: d.capacity,
		Processed:     d.processed.Load(),
		Running:       d.running.Load(),
		Handlers:      d.registry.Len(),
		Subscribers:   d.hub.Len(),
	}
}

// finish resolves the future first so the submitter is never held up by the
// hub, then publishes.
func (d *Dispatcher) finish(req Request, fut *Future, resp Response) {
	if !fut.resolve(resp) {
		return
	}
	d.hub.Publish(resp.Clone())

	verb := "unknown"
	if h, ok := d.registry.Lookup(req.verb); ok {
		verb = h.Verb
	}
	outcome := resp.Outcome()
	d.metrics.CommandDone(verb, outcome, resp.Elapsed)

	fields := []zap.Field{
		zap.String("origin", resp.Origin),
		zap.String("verb", verb),
		zap.String("trace_id", resp.TraceID()),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", resp.Elapsed),
	}
	switch outcome {
	case "ok", "failed", "validation", "unknown_command":
		d.logger.Debug("command done", fields...)
	default:
		d.logger.Warn("command failed", append(fields, zap.Error(resp.Err))...)
	}
}

func (d *Dispatcher) reject(req Request, err error, msg string) Response {
	resp := newResponse(req)
	resp.Message = msg
	resp.Err = err
	resp.Elapsed = time.Since(req.receivedAt)
	return resp
}

func (d *Dispatcher) closedResponse(req Request) Response {
	return d.reject(req, ErrDispatcherClosed, "Dispatcher stopped")
}

// abandon resolves everything still queued with a closed response.
func (d *Dispatcher) abandon() {
	for _, p := range d.queue.drain() {
		d.finish(p.req, p.fut, d.closedResponse(p.req))
	}
}

func mergeMeta(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(extra))
	}
	maps.Copy(out, extra)
	out[TraceIDKey] = base[TraceIDKey]
	return out
}

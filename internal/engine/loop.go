package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type outcome struct {
	res Result
	err error
}

// run is the single worker. It never returns early because of a handler: a
// failed, panicking or slow handler becomes a failed response and the loop
// moves on.
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	defer d.running.Store(false)

	for {
		p, ok := d.queue.pop()
		if !ok {
			if d.queue.isClosed() {
				return
			}
			select {
			case <-d.queue.wait():
				continue
			case <-ctx.Done():
				d.logger.Info("dispatcher context done, abandoning queue", zap.Error(ctx.Err()))
				d.abandon()
				return
			}
		}
		d.metrics.QueueDepth(d.queue.len())

		if ctx.Err() != nil {
			d.finish(p.req, p.fut, d.closedResponse(p.req))
			d.abandon()
			return
		}
		resp := d.execute(ctx, p.req)
		d.processed.Add(1)
		d.finish(p.req, p.fut, resp)
	}
}

func (d *Dispatcher) execute(ctx context.Context, req Request) Response {
	if req.verb == "" {
		return d.reject(req, &ValidationError{Message: "Empty command"}, "Empty command")
	}
	h, ok := d.registry.Lookup(req.verb)
	if !ok {
		return d.reject(req, fmt.Errorf("%w: %s", ErrUnknownCommand, req.verb),
			"Unknown command: "+req.verb)
	}

	timeout := h.Timeout
	if timeout == 0 {
		timeout = d.timeout
	}
	var (
		hctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		hctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Buffered so an abandoned handler can still finish and exit.
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &HandlerError{Verb: h.Verb, Cause: fmt.Errorf("%v", r), Panic: true}}
			}
		}()
		res, err := h.Func(hctx, req)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && hctx.Err() != nil {
			if ctx.Err() != nil {
				return d.closedResponse(req)
			}
			if errors.Is(out.err, context.DeadlineExceeded) {
				return d.timedOut(req, h, timeout)
			}
		}
		return d.respond(req, h, out)
	case <-hctx.Done():
		if ctx.Err() != nil {
			return d.closedResponse(req)
		}
		return d.timedOut(req, h, timeout)
	}
}

func (d *Dispatcher) respond(req Request, h Handler, out outcome) Response {
	resp := newResponse(req)

	if out.err == nil {
		resp.Message = out.res.Message
		resp.Success = out.res.Success
		resp.Navigation = out.res.Navigation
		resp.Meta = mergeMeta(resp.Meta, out.res.Meta)
		resp.Elapsed = time.Since(req.receivedAt)
		return resp
	}

	var ve *ValidationError
	var he *HandlerError
	switch {
	case errors.As(out.err, &ve):
		resp.Message = ve.Message
		resp.Err = out.err
	case errors.Is(out.err, ErrValidation):
		resp.Message = h.Usage
		if resp.Message == "" {
			resp.Message = out.err.Error()
		}
		resp.Err = out.err
	case errors.As(out.err, &he):
		resp.Message = "Handler error: " + he.Cause.Error()
		resp.Err = he
	default:
		resp.Message = "Handler error: " + out.err.Error()
		resp.Err = &HandlerError{Verb: h.Verb, Cause: out.err}
	}
	resp.Elapsed = time.Since(req.receivedAt)
	return resp
}

func (d *Dispatcher) timedOut(req Request, h Handler, timeout time.Duration) Response {
	return d.reject(req, fmt.Errorf("%w: %s after %s", ErrTimeout, h.Verb, timeout),
		fmt.Sprintf("Command timed out after %s", timeout))
}

package engine

import (
	"context"
	"sync"
)

// Future is the submitter's handle on a queued command. It is resolved
// exactly once; callers may wait on it or drop it.
type Future struct {
	once sync.Once
	done chan struct{}
	resp Response
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(resp Response) bool {
	resolved := false
	f.once.Do(func() {
		f.resp = resp
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the response is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the response is ready or ctx ends. Giving up on the wait
// does not cancel the command.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Response returns the response without blocking.
func (f *Future) Response() (Response, bool) {
	select {
	case <-f.done:
		return f.resp, true
	default:
		return Response{}, false
	}
}

package engine

import "sync"

// queue is a FIFO safe for many producers and one consumer. A full or closed
// queue rejects pushes instead of blocking. notify holds at most one wakeup.
type queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int // < 0 means unbounded
	closed   bool
	notify   chan struct{}
}

func newQueue[T any](capacity int) *queue[T] {
	return &queue[T]{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

func (q *queue[T]) push(v T) error {
	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		return ErrDispatcherClosed
	case q.capacity >= 0 && len(q.items) >= q.capacity:
		q.mu.Unlock()
		return ErrBackpressure
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

// wait fires after a push or close. Callers must pop again after waking.
func (q *queue[T]) wait() <-chan struct{} { return q.notify }

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// close stops new pushes. Items already queued can still be popped.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// drain closes the queue and hands back whatever was left in it.
func (q *queue[T]) drain() []T {
	q.mu.Lock()
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()
	q.wake()
	return items
}

func (q *queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

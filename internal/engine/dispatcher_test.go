package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func wait(t *testing.T, f *Future) Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := f.Wait(ctx)
	require.NoError(t, err, "future never resolved")
	return resp
}

func TestHandlersRunInSubmissionOrderOneAtATime(t *testing.T) {
	d := newTestDispatcher(t, Config{})

	var (
		mu      sync.Mutex
		order   []int
		active  atomic.Int32
		overlap atomic.Bool
	)
	require.NoError(t, d.Register("step", func(ctx context.Context, req Request) (Result, error) {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		defer active.Add(-1)
		n, err := strconv.Atoi(req.Arg(0))
		if err != nil {
			return Result{}, err
		}
		time.Sleep(time.Duration(n%3) * time.Millisecond)
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return OK("done"), nil
	}))

	futures := make([]*Future, 50)
	for i := range futures {
		futures[i] = d.Submit("test", fmt.Sprintf("step %d", i))
	}
	require.NoError(t, d.Start(context.Background()))

	for i, f := range futures {
		resp := wait(t, f)
		assert.True(t, resp.Success, "command %d: %s", i, resp.Message)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 50)
	for i, n := range order {
		assert.Equal(t, i, n)
	}
	assert.False(t, overlap.Load(), "two handlers ran at the same time")
}

func TestUnknownVerb(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	require.NoError(t, d.Start(context.Background()))

	resp := wait(t, d.Submit("test", "xyz"))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "xyz")
	assert.ErrorIs(t, resp.Err, ErrUnknownCommand)

	// the next command is not held up
	require.NoError(t, d.Register("ping", func(context.Context, Request) (Result, error) {
		return OK("pong"), nil
	}))
	resp = wait(t, d.Submit("test", "ping"))
	assert.True(t, resp.Success)
}

func TestBuyScenario(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	require.NoError(t, d.Register("buy", func(context.Context, Request) (Result, error) {
		return OK("order placed"), nil
	}))
	require.NoError(t, d.Start(context.Background()))

	resp := wait(t, d.Submit("main", "buy YES 0.65 100"))
	assert.True(t, resp.Success)
	assert.Equal(t, "order placed", resp.Message)
	assert.Empty(t, resp.Navigation)
	assert.Equal(t, "main", resp.Origin)
	assert.Equal(t, "buy YES 0.65 100", resp.Raw)
	assert.NoError(t, resp.Err)
}

func TestVerbsAreCaseInsensitive(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	var got Request
	require.NoError(t, d.Register("Buy", func(_ context.Context, req Request) (Result, error) {
		got = req
		return OK("ok"), nil
	}))
	require.NoError(t, d.Start(context.Background()))

	resp := wait(t, d.Submit("main", "  BUY   yes 0.65  100 "))
	require.True(t, resp.Success)
	assert.Equal(t, "buy", got.Verb())
	assert.Equal(t, []string{"yes", "0.65", "100"}, got.Args())
}

func TestReregisterLastWins(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	for _, msg := range []string{"first", "second", "third"} {
		msg := msg
		require.NoError(t, d.Register("say", func(context.Context, Request) (Result, error) {
			return OK(msg), nil
		}))
	}
	require.NoError(t, d.Start(context.Background()))

	resp := wait(t, d.Submit("test", "SAY"))
	assert.Equal(t, "third", resp.Message)
	assert.Equal(t, 1, d.Registry().Len())
}

func TestEmptyCommand(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	require.NoError(t, d.Start(context.Background()))

	resp := wait(t, d.Submit("test", "   "))
	assert.False(t, resp.Success)
	assert.Equal(t, "Empty command", resp.Message)
	assert.ErrorIs(t, resp.Err, ErrValidation)
}

func TestValidationErrors(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	require.NoError(t, d.Register("buy", func(_ context.Context, req Request) (Result, error) {
		if req.NArg() != 3 {
			return Result{}, ErrValidation
		}
		return Result{}, Invalidf("Side must be YES or NO")
	}, WithUsage("Usage: buy <YES|NO> <price> <size>")))
	require.NoError(t, d.Start(context.Background()))

	resp := wait(t, d.Submit("test", "buy"))
	assert.False(t, resp.Success)
	assert.Equal(t, "Usage: buy <YES|NO> <price> <size>", resp.Message)
	assert.ErrorIs(t, resp.Err, ErrValidation)
	assert.Equal(t, "validation", resp.Outcome())

	resp = wait(t, d.Submit("test", "buy MAYBE 0.5 1"))
	assert.Equal(t, "Side must be YES or NO", resp.Message)
	assert.ErrorIs(t, resp.Err, ErrValidation)
}

func TestHandlerErrorsAndPanicsDoNotStallTheWorker(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	cause := errors.New("exchange unreachable")
	require.NoError(t, d.Register("fail", func(context.Context, Request) (Result, error) {
		return Result{}, cause
	}))
	require.NoError(t, d.Register("boom", func(context.Context, Request) (Result, error) {
		panic("nil map write")
	}))
	require.NoError(t, d.Register("ok", func(context.Context, Request) (Result, error) {
		return OK("fine"), nil
	}))

	f1 := d.Submit("test", "fail")
	f2 := d.Submit("test", "boom")
	f3 := d.Submit("test", "ok")
	require.NoError(t, d.Start(context.Background()))

	resp := wait(t, f1)
	assert.False(t, resp.Success)
	assert.Equal(t, "Handler error: exchange unreachable", resp.Message)
	assert.ErrorIs(t, resp.Err, ErrHandlerExecution)
	assert.ErrorIs(t, resp.Err, cause)

	resp = wait(t, f2)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "nil map write")
	var he *HandlerError
	require.ErrorAs(t, resp.Err, &he)
	assert.True(t, he.Panic)
	assert.Equal(t, "boom", he.Verb)

	resp = wait(t, f3)
	assert.True(t, resp.Success)
}

func TestHandlerReportedFailureIsNotAnError(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	require.NoError(t, d.Register("sell", func(context.Context, Request) (Result, error) {
		return Failf("Order failed: %s", "insufficient balance"), nil
	}))
	require.NoError(t, d.Start(context.Background()))

	resp := wait(t, d.Submit("test", "sell"))
	assert.False(t, resp.Success)
	assert.NoError(t, resp.Err)
	assert.Equal(t, "failed", resp.Outcome())
	assert.Equal(t, "Order failed: insufficient balance", resp.Message)
}

func TestTimeoutAbandonsHandler(t *testing.T) {
	d := newTestDispatcher(t, Config{CommandTimeout: 30 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, d.Register("stuck", func(context.Context, Request) (Result, error) {
		<-release
		return OK("too late"), nil
	}))
	require.NoError(t, d.Register("polite", func(ctx context.Context, _ Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))
	require.NoError(t, d.Register("slowok", func(ctx context.Context, _ Request) (Result, error) {
		select {
		case <-time.After(60 * time.Millisecond):
			return OK("slow but allowed"), nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}, WithTimeout(time.Second)))
	require.NoError(t, d.Register("ok", func(context.Context, Request) (Result, error) {
		return OK("next"), nil
	}))
	require.NoError(t, d.Start(context.Background()))

	f1 := d.Submit("test", "stuck")
	f2 := d.Submit("test", "polite")
	f3 := d.Submit("test", "slowok")
	f4 := d.Submit("test", "ok")

	resp := wait(t, f1)
	assert.False(t, resp.Success)
	assert.ErrorIs(t, resp.Err, ErrTimeout)
	assert.Equal(t, "Command timed out after 30ms", resp.Message)

	resp = wait(t, f2)
	assert.ErrorIs(t, resp.Err, ErrTimeout)

	resp = wait(t, f3)
	assert.True(t, resp.Success, "per-verb timeout overrides the default")

	resp = wait(t, f4)
	assert.True(t, resp.Success)
	assert.Equal(t, "next", resp.Message)
}

func TestBackpressureCapacityOne(t *testing.T) {
	d := newTestDispatcher(t, Config{QueueCapacity: 1})
	require.NoError(t, d.Register("noop", func(context.Context, Request) (Result, error) {
		return OK("done"), nil
	}))

	first := d.Submit("test", "noop 1")
	second := d.Submit("test", "noop 2")

	resp, ok := second.Response()
	require.True(t, ok, "second submission must resolve immediately")
	assert.False(t, resp.Success)
	assert.ErrorIs(t, resp.Err, ErrBackpressure)
	assert.Equal(t, "Command queue full (capacity 1)", resp.Message)

	_, ok = first.Response()
	assert.False(t, ok, "first submission is still queued")

	require.NoError(t, d.Start(context.Background()))
	assert.True(t, wait(t, first).Success)
}

func TestBackpressureWhileHandlerRuns(t *testing.T) {
	d := newTestDispatcher(t, Config{QueueCapacity: 1})
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, d.Register("hold", func(context.Context, Request) (Result, error) {
		entered <- struct{}{}
		<-release
		return OK("released"), nil
	}))
	require.NoError(t, d.Start(context.Background()))

	running := d.Submit("test", "hold")
	<-entered
	queued := d.Submit("test", "hold")
	rejected := d.Submit("test", "hold")

	select {
	case <-rejected.Done():
	default:
		t.Fatal("rejected future must resolve before Submit returns")
	}
	select {
	case <-queued.Done():
		t.Fatal("queued command resolved while the handler is blocked")
	default:
	}
	resp, ok := rejected.Response()
	require.True(t, ok)
	assert.ErrorIs(t, resp.Err, ErrBackpressure)
	assert.Equal(t, 1, d.Stats().QueueDepth)

	close(release)
	go func() { <-entered }()
	assert.True(t, wait(t, running).Success)
	assert.True(t, wait(t, queued).Success)
}

func TestUnboundedQueueIsExplicit(t *testing.T) {
	d := newTestDispatcher(t, Config{QueueCapacity: Unbounded})
	var n atomic.Int64
	require.NoError(t, d.Register("inc", func(context.Context, Request) (Result, error) {
		n.Add(1)
		return OK(""), nil
	}))

	futures := make([]*Future, 5000)
	for i := range futures {
		futures[i] = d.Submit("test", "inc")
	}
	for _, f := range futures {
		_, done := f.Response()
		require.False(t, done, "nothing may be rejected by an unbounded queue")
	}
	require.NoError(t, d.Start(context.Background()))
	for _, f := range futures {
		wait(t, f)
	}
	assert.EqualValues(t, 5000, n.Load())
	assert.Equal(t, Unbounded, d.Stats().QueueCapacity)
}

func TestDefaultCapacity(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	assert.Equal(t, DefaultQueueCapacity, d.Stats().QueueCapacity)
}

func TestStopDrainsQueuedCommands(t *testing.T) {
	d := NewDispatcher(Config{})
	var ran atomic.Int32
	require.NoError(t, d.Register("work", func(context.Context, Request) (Result, error) {
		time.Sleep(time.Millisecond)
		ran.Add(1)
		return OK(""), nil
	}))
	require.NoError(t, d.Start(context.Background()))

	futures := make([]*Future, 20)
	for i := range futures {
		futures[i] = d.Submit("test", "work")
	}
	require.NoError(t, d.Stop(context.Background()))

	for _, f := range futures {
		resp, ok := f.Response()
		require.True(t, ok)
		assert.True(t, resp.Success)
	}
	assert.EqualValues(t, 20, ran.Load())

	resp := wait(t, d.Submit("test", "work"))
	assert.ErrorIs(t, resp.Err, ErrDispatcherClosed)
	assert.Equal(t, "Dispatcher stopped", resp.Message)
	assert.ErrorIs(t, d.Start(context.Background()), ErrDispatcherClosed)
}

func TestStopBeforeStartResolvesQueued(t *testing.T) {
	d := NewDispatcher(Config{})
	f := d.Submit("test", "anything")
	require.NoError(t, d.Stop(context.Background()))

	resp, ok := f.Response()
	require.True(t, ok)
	assert.ErrorIs(t, resp.Err, ErrDispatcherClosed)
}

func TestCancelledStartContextAbandonsQueue(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	entered := make(chan struct{})
	require.NoError(t, d.Register("hold", func(ctx context.Context, _ Request) (Result, error) {
		close(entered)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))

	running := d.Submit("test", "hold")
	<-entered
	queued := d.Submit("test", "hold")
	cancel()

	assert.ErrorIs(t, wait(t, running).Err, ErrDispatcherClosed)
	assert.ErrorIs(t, wait(t, queued).Err, ErrDispatcherClosed)
}

func TestRequestMetaSessionAndTraceID(t *testing.T) {
	d := newTestDispatcher(t, Config{})
	var seen Request
	require.NoError(t, d.Register("ws", func(_ context.Context, req Request) (Result, error) {
		seen = req
		return Result{Message: "off", Success: true, Navigation: "welcome",
			Meta: map[string]any{"clear_ui": true, TraceIDKey: "overwrite"}}, nil
	}))
	require.NoError(t, d.Start(context.Background()))

	meta := map[string]any{"screen": "trade"}
	resp := wait(t, d.Submit("trade", "ws off",
		WithSession(map[string]any{"yes_token": "123"}),
		WithMeta(meta)))

	assert.Equal(t, "123", seen.SessionString("yes_token"))
	assert.Empty(t, seen.SessionString("no_token"))
	assert.NotEmpty(t, seen.TraceID())
	assert.Equal(t, seen.TraceID(), resp.TraceID(), "handler meta cannot replace the trace id")
	assert.Equal(t, "trade", resp.Meta["screen"])
	assert.Equal(t, true, resp.Meta["clear_ui"])
	assert.Equal(t, "welcome", resp.Navigation)
	assert.NotContains(t, meta, TraceIDKey, "caller's map is not modified")

	resp = wait(t, d.Submit("trade", "ws off", WithMeta(map[string]any{TraceIDKey: "abc"})))
	assert.Equal(t, "abc", resp.TraceID())
}

func TestEverySubscriberNotifiedOncePerCommand(t *testing.T) {
	d := NewDispatcher(Config{QueueCapacity: 2})
	require.NoError(t, d.Register("noop", func(context.Context, Request) (Result, error) {
		return OK(""), nil
	}))

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) Subscriber {
		return func(r Response) error {
			mu.Lock()
			got[name] = append(got[name], r.TraceID())
			mu.Unlock()
			return nil
		}
	}
	d.Subscribe(record("a"))
	d.Subscribe(func(Response) error { panic("bad subscriber") })
	d.Subscribe(func(Response) error { return errors.New("also bad") })
	d.Subscribe(record("b"))

	var traces []string
	for i := 0; i < 3; i++ { // third is rejected by backpressure
		d.Submit("test", "noop")
	}
	require.NoError(t, d.Start(context.Background()))
	for _, cmd := range []string{"noop", "xyz", ""} {
		resp := wait(t, d.Submit("test", cmd))
		traces = append(traces, resp.TraceID())
	}
	require.NoError(t, d.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got["a"], 6)
	assert.Len(t, got["b"], 6)
	assert.Equal(t, got["a"], got["b"])
	assert.Subset(t, got["a"], traces)
}

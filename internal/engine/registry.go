package engine

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Handler is a registered verb. Timeout, when set, overrides the dispatcher's
// command timeout for this verb.
type Handler struct {
	Verb    string
	Func    HandlerFunc
	Usage   string
	Summary string
	Timeout time.Duration
}

type HandlerOption func(*Handler)

func WithUsage(usage string) HandlerOption {
	return func(h *Handler) { h.Usage = usage }
}

func WithSummary(summary string) HandlerOption {
	return func(h *Handler) { h.Summary = summary }
}

func WithTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.Timeout = d }
}

// Registry maps verbs to handlers. Lookups are case-insensitive and a second
// registration of a verb replaces the first.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register stores h and reports whether it replaced an earlier handler.
func (r *Registry) Register(h Handler) (bool, error) {
	verb := strings.ToLower(strings.TrimSpace(h.Verb))
	switch {
	case verb == "":
		return false, errors.New("register handler: empty verb")
	case strings.ContainsFunc(verb, unicode.IsSpace):
		return false, errors.New("register handler: verb contains whitespace")
	case h.Func == nil:
		return false, errors.New("register handler " + verb + ": nil func")
	}
	h.Verb = verb

	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.handlers[verb]
	r.handlers[verb] = h
	return replaced, nil
}

func (r *Registry) Unregister(verb string) bool {
	verb = strings.ToLower(verb)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[verb]
	delete(r.handlers, verb)
	return ok
}

func (r *Registry) Lookup(verb string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(verb)]
	return h, ok
}

// Handlers returns every registered handler sorted by verb.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Verb < out[j].Verb })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

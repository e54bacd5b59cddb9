package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TraceIDKey is the meta key every request carries its trace id under.
const TraceIDKey = "_trace_id"

// Request is one parsed command line. It is immutable: maps are copied in on
// construction and copied out on read.
type Request struct {
	origin     string
	raw        string
	verb       string
	args       []string
	session    map[string]any
	meta       map[string]any
	receivedAt time.Time
}

// NewRequest splits raw on whitespace. The verb is the first token, lower
// cased; the rest are arguments. A trace id is added to meta unless the caller
// supplied one.
func NewRequest(origin, raw string, session, meta map[string]any) Request {
	fields := strings.Fields(raw)
	req := Request{
		origin:     origin,
		raw:        raw,
		session:    maps.Clone(session),
		meta:       maps.Clone(meta),
		receivedAt: time.Now(),
	}
	if len(fields) > 0 {
		req.verb = strings.ToLower(fields[0])
		req.args = fields[1:]
	}
	if req.meta == nil {
		req.meta = make(map[string]any, 1)
	}
	if id, _ := req.meta[TraceIDKey].(string); id == "" {
		req.meta[TraceIDKey] = uuid.NewString()
	}
	return req
}

func (r Request) Origin() string        { return r.origin }
func (r Request) Raw() string           { return r.raw }
func (r Request) Verb() string          { return r.verb }
func (r Request) Args() []string        { return slices.Clone(r.args) }
func (r Request) NArg() int             { return len(r.args) }
func (r Request) ReceivedAt() time.Time { return r.receivedAt }
func (r Request) Meta() map[string]any  { return maps.Clone(r.meta) }

// Arg returns the i-th argument or "" when there are fewer.
func (r Request) Arg(i int) string {
	if i < 0 || i >= len(r.args) {
		return ""
	}
	return r.args[i]
}

func (r Request) Session(key string) (any, bool) {
	v, ok := r.session[key]
	return v, ok
}

// SessionString returns a session value formatted as a string, "" if unset.
func (r Request) SessionString(key string) string {
	v, ok := r.session[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (r Request) TraceID() string {
	id, _ := r.meta[TraceIDKey].(string)
	return id
}

// Result is what a handler hands back. Meta keys are merged over the request
// meta in the response.
type Result struct {
	Message    string
	Success    bool
	Navigation string
	Meta       map[string]any
}

func OK(msg string) Result { return Result{Message: msg, Success: true} }

func Okf(format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...), Success: true}
}

// Failf reports a failure the handler dealt with itself, such as an exchange
// rejection. It is not an error.
func Failf(format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...)}
}

// HandlerFunc executes one command. Returning an error marks the response as
// failed; ErrValidation and ValidationError become usage messages, anything
// else a handler error.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Response is delivered once to the submitter's Future and to every subscriber.
type Response struct {
	Origin     string
	Raw        string
	Message    string
	Success    bool
	Navigation string
	Meta       map[string]any
	Err        error
	Elapsed    time.Duration
}

func (r Response) TraceID() string {
	id, _ := r.Meta[TraceIDKey].(string)
	return id
}

func (r Response) Outcome() string { return Outcome(r.Success, r.Err) }

// Clone copies Meta so the receiver can keep or modify it.
func (r Response) Clone() Response {
	r.Meta = maps.Clone(r.Meta)
	return r
}

type responseJSON struct {
	Origin     string         `json:"origin"`
	Raw        string         `json:"raw"`
	Message    string         `json:"message"`
	Success    bool           `json:"success"`
	Navigation string         `json:"navigation,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Outcome    string         `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	ElapsedMS  float64        `json:"elapsed_ms"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	out := responseJSON{
		Origin:     r.Origin,
		Raw:        r.Raw,
		Message:    r.Message,
		Success:    r.Success,
		Navigation: r.Navigation,
		Meta:       r.Meta,
		Outcome:    r.Outcome(),
		ElapsedMS:  float64(r.Elapsed) / float64(time.Millisecond),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

func newResponse(req Request) Response {
	return Response{
		Origin: req.origin,
		Raw:    req.raw,
		Meta:   maps.Clone(req.meta),
	}
}

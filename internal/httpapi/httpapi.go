// Package httpapi exposes the dispatcher and the order book cache over HTTP
// for other screens and scripts.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/book"
	"github.com/hakimelghazi/termtrader/internal/engine"
)

type Books interface {
	Depth(instrument string, depth int) (book.OrderBook, bool)
	Instruments() []string
}

type Options struct {
	Dispatcher *engine.Dispatcher
	Books      Books
	// Gatherer backs /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer
	// Session is merged under the session a request sends.
	Session func() map[string]any
	Logger  *zap.Logger
	// Timeout bounds every request. Zero means 3s.
	Timeout time.Duration
}

type commandRequest struct {
	Origin  string         `json:"origin"`
	Command string         `json:"command"`
	Session map[string]any `json:"session,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type server struct {
	Options
}

func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	s := &server{Options: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))

	r.Get("/healthz", s.health)
	r.Get("/stats", s.stats)
	r.Post("/commands", s.command)
	r.Get("/books", s.instruments)
	r.Get("/books/{id}", s.book)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeProblem(w http.ResponseWriter, r *http.Request, code int, title, detail string) {
	reqID := middleware.GetReqID(r.Context())
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":      title,
		"status":     code,
		"detail":     detail,
		"instance":   r.URL.Path,
		"request_id": reqID,
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	st := s.Dispatcher.Stats()
	if !st.Running {
		writeProblem(w, r, http.StatusServiceUnavailable, "not_running", "dispatcher is not running")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"dispatcher":  s.Dispatcher.Stats(),
		"instruments": len(s.Books.Instruments()),
	})
}

// POST /commands
func (s *server) command(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	req.Origin = strings.TrimSpace(req.Origin)
	if req.Origin == "" {
		req.Origin = "http"
	}

	session := map[string]any{}
	if s.Session != nil {
		for k, v := range s.Session() {
			session[k] = v
		}
	}
	for k, v := range req.Session {
		session[k] = v
	}

	meta := map[string]any{"request_id": middleware.GetReqID(r.Context())}
	for k, v := range req.Meta {
		meta[k] = v
	}

	resp, err := s.Dispatcher.Execute(r.Context(), req.Origin, req.Command,
		engine.WithSession(session), engine.WithMeta(meta))
	if err != nil {
		writeProblem(w, r, http.StatusGatewayTimeout, "command_timeout", err.Error())
		return
	}

	code := http.StatusOK
	switch {
	case errors.Is(resp.Err, engine.ErrBackpressure):
		code = http.StatusTooManyRequests
	case errors.Is(resp.Err, engine.ErrDispatcherClosed):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, resp)
}

func (s *server) instruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"instruments": s.Books.Instruments()})
}

// GET /books/{id}?depth=n
func (s *server) book(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	depth := 0
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeProblem(w, r, http.StatusBadRequest, "validation_error", "depth must be a non-negative integer")
			return
		}
		depth = n
	}

	ob, ok := s.Books.Depth(id, depth)
	if !ok {
		writeProblem(w, r, http.StatusNotFound, "not_found", "no order book for "+id)
		return
	}
	writeJSON(w, r, http.StatusOK, ob)
}

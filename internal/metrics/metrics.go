// Package metrics exposes Prometheus instruments for the command pipeline,
// the order book store and the market feed.
//
// Every method is safe to call on a nil *Metrics so components can run
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultNamespace = "termtrader"

type Metrics struct {
	commands           *prometheus.CounterVec
	commandLatency     *prometheus.HistogramVec
	queueDepth         prometheus.Gauge
	subscriberFailures prometheus.Counter

	feedMessages *prometheus.CounterVec
	feedErrors   *prometheus.CounterVec
	feedDesyncs  prometheus.Counter
	bookCrossed  *prometheus.CounterVec
	bookLevels   *prometheus.GaugeVec

	tradingCalls *prometheus.CounterVec
}

// New registers all instruments on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)

	return &Metrics{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands completed, by verb and outcome",
		}, []string{"verb", "outcome"}),

		commandLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Handler execution time by verb",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"verb"}),

		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "command_queue_depth",
			Help:      "Commands waiting for the worker",
		}),

		subscriberFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_failures_total",
			Help:      "Subscriber callbacks that failed or panicked",
		}),

		feedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_updates_total",
			Help:      "Feed updates applied to the order book store",
		}, []string{"source", "kind"}),

		feedErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_errors_total",
			Help:      "Feed messages that could not be decoded or applied",
		}, []string{"source"}),

		feedDesyncs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_desync_total",
			Help:      "Updates dropped because the instrument had no book",
		}),

		bookCrossed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "book_crossed_total",
			Help:      "Mutations that left a book with best bid above best ask",
		}, []string{"instrument"}),

		bookLevels: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_levels",
			Help:      "Price levels held per instrument and side",
		}, []string{"instrument", "side"}),

		tradingCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trading_calls_total",
			Help:      "Calls to the order execution collaborator",
		}, []string{"op", "result"}),
	}
}

func (m *Metrics) CommandDone(verb, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(verb, outcome).Inc()
	m.commandLatency.WithLabelValues(verb).Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SubscriberFailed() {
	if m == nil {
		return
	}
	m.subscriberFailures.Inc()
}

func (m *Metrics) FeedUpdate(source, kind string) {
	if m == nil {
		return
	}
	m.feedMessages.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) FeedError(source string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) FeedDesync() {
	if m == nil {
		return
	}
	m.feedDesyncs.Inc()
}

func (m *Metrics) BookCrossed(instrument string) {
	if m == nil {
		return
	}
	m.bookCrossed.WithLabelValues(instrument).Inc()
}

func (m *Metrics) BookDepth(instrument string, bids, asks int) {
	if m == nil {
		return
	}
	m.bookLevels.WithLabelValues(instrument, "bid").Set(float64(bids))
	m.bookLevels.WithLabelValues(instrument, "ask").Set(float64(asks))
}

// BookRemoved drops the per-instrument series once a book is destroyed.
func (m *Metrics) BookRemoved(instrument string) {
	if m == nil {
		return
	}
	m.bookLevels.DeleteLabelValues(instrument, "bid")
	m.bookLevels.DeleteLabelValues(instrument, "ask")
	m.bookCrossed.DeleteLabelValues(instrument)
}

func (m *Metrics) TradingCall(op string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.tradingCalls.WithLabelValues(op, result).Inc()
}

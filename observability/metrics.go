package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	listenerMetricsOnce sync.Once
	listenerRegistry    *ListenerMetrics

	serverMetricsOnce sync.Once
	serverRegistry    *ServerMetrics
)

// LedgerMetrics captures submission and confirmation activity against the
// external ledger.
type LedgerMetrics struct {
	submissions *prometheus.CounterVec
	confirmWait prometheus.Histogram
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "roomnight",
				Subsystem: "ledger",
				Name:      "submissions_total",
				Help:      "Ledger submissions segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			confirmWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "roomnight",
				Subsystem: "ledger",
				Name:      "confirmation_wait_seconds",
				Help:      "Time spent waiting for transaction confirmation.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
		}
		prometheus.MustRegister(ledgerRegistry.submissions, ledgerRegistry.confirmWait)
	})
	return ledgerRegistry
}

// RecordSubmission counts one submission attempt.
func (m *LedgerMetrics) RecordSubmission(operation, outcome string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.submissions.WithLabelValues(operation, outcome).Inc()
}

// ObserveConfirmation records how long a confirmation wait took.
func (m *LedgerMetrics) ObserveConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmWait.Observe(d.Seconds())
}

// ListenerMetrics captures reconciliation listener activity.
type ListenerMetrics struct {
	ticks     *prometheus.CounterVec
	events    *prometheus.CounterVec
	watermark prometheus.Gauge
}

// Listener returns the lazily-initialised listener metrics registry.
func Listener() *ListenerMetrics {
	listenerMetricsOnce.Do(func() {
		listenerRegistry = &ListenerMetrics{
			ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "roomnight",
				Subsystem: "listener",
				Name:      "ticks_total",
				Help:      "Polling ticks segmented by outcome.",
			}, []string{"outcome"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "roomnight",
				Subsystem: "listener",
				Name:      "events_total",
				Help:      "Chain events persisted segmented by stream.",
			}, []string{"stream"}),
			watermark: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "roomnight",
				Subsystem: "listener",
				Name:      "watermark_block",
				Help:      "Highest fully processed block height.",
			}),
		}
		prometheus.MustRegister(listenerRegistry.ticks, listenerRegistry.events, listenerRegistry.watermark)
	})
	return listenerRegistry
}

// RecordTick counts a polling tick outcome.
func (m *ListenerMetrics) RecordTick(outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
}

// RecordEvents counts persisted events for one stream.
func (m *ListenerMetrics) RecordEvents(stream string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(stream).Add(float64(n))
}

// SetWatermark publishes the current watermark height.
func (m *ListenerMetrics) SetWatermark(height uint64) {
	if m == nil {
		return
	}
	m.watermark.Set(float64(height))
}

// ServerMetrics captures HTTP API activity.
type ServerMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// Server returns the lazily-initialised HTTP metrics registry.
func Server() *ServerMetrics {
	serverMetricsOnce.Do(func() {
		serverRegistry = &ServerMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "roomnight",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status class.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "roomnight",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(serverRegistry.requests, serverRegistry.latency)
	})
	return serverRegistry
}

// Observe records one request outcome for a route.
func (m *ServerMetrics) Observe(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.requests.WithLabelValues(route, class).Inc()
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

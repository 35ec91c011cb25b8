package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the preview studio.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ActiveExecutions   prometheus.Gauge
	CoalescedTriggers  prometheus.Counter
	PagesPerPreview    prometheus.Histogram
	CacheVersions      *prometheus.CounterVec
	CacheReads         *prometheus.CounterVec
	LiveSubscribers    prometheus.Gauge
	LiveEventsDropped  prometheus.Counter
	WatchTriggers      prometheus.Counter
	RequestsInFlight   prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
	HistoryWriteErrors prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sketchbook",
				Name:      "executions_total",
				Help:      "Total number of sketch executions by status and failure classification.",
			},
			[]string{"status", "failure"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sketchbook",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sketch executions in seconds, including rendering.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sketchbook",
				Name:      "active_executions",
				Help:      "Number of sketch executions currently in flight.",
			},
		),

		CoalescedTriggers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sketchbook",
				Name:      "coalesced_triggers_total",
				Help:      "Triggers that joined an in-flight execution instead of starting one.",
			},
		),

		PagesPerPreview: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sketchbook",
				Name:      "preview_pages",
				Help:      "Number of pages in each stored preview.",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
			},
		),

		CacheVersions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sketchbook",
				Subsystem: "cache",
				Name:      "versions_total",
				Help:      "Preview versions stored and evicted.",
			},
			[]string{"op"},
		),

		CacheReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sketchbook",
				Subsystem: "cache",
				Name:      "page_reads_total",
				Help:      "Page reads by the layer that served them.",
			},
			[]string{"layer"},
		),

		LiveSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sketchbook",
				Subsystem: "live",
				Name:      "subscribers",
				Help:      "Number of connected live preview viewers.",
			},
		),

		LiveEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sketchbook",
				Subsystem: "live",
				Name:      "events_dropped_total",
				Help:      "Events not delivered because a subscriber was slow or gone.",
			},
		),

		WatchTriggers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sketchbook",
				Subsystem: "watch",
				Name:      "triggers_total",
				Help:      "Executions triggered by debounced file changes.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sketchbook",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sketchbook",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by method and status code.",
			},
			[]string{"method", "code"},
		),

		HistoryWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sketchbook",
				Subsystem: "history",
				Name:      "write_errors_total",
				Help:      "Execution records dropped after exhausting retries.",
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.CoalescedTriggers,
		m.PagesPerPreview,
		m.CacheVersions,
		m.CacheReads,
		m.LiveSubscribers,
		m.LiveEventsDropped,
		m.WatchTriggers,
		m.RequestsInFlight,
		m.HTTPRequests,
		m.HistoryWriteErrors,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(status, failure string, durationSec float64, pages int) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status, failure).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(durationSec)
	if status == "success" {
		m.PagesPerPreview.Observe(float64(pages))
	}
}

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

func (m *Metrics) ExecutionFinished() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
}

func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.CoalescedTriggers.Inc()
}

// RecordCacheVersion counts a stored or evicted version.
func (m *Metrics) RecordCacheVersion(op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheVersions.WithLabelValues(op).Add(float64(n))
}

// RecordCacheRead counts a page read served from "memory" or "disk".
func (m *Metrics) RecordCacheRead(layer string) {
	if m == nil {
		return
	}
	m.CacheReads.WithLabelValues(layer).Inc()
}

func (m *Metrics) SetLiveSubscribers(n int) {
	if m == nil {
		return
	}
	m.LiveSubscribers.Set(float64(n))
}

func (m *Metrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.LiveEventsDropped.Inc()
}

func (m *Metrics) RecordWatchTrigger() {
	if m == nil {
		return
	}
	m.WatchTriggers.Inc()
}

func (m *Metrics) RecordHistoryWriteError() {
	if m == nil {
		return
	}
	m.HistoryWriteErrors.Inc()
}

// RecordHTTPRequest counts a finished request.
func (m *Metrics) RecordHTTPRequest(method string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.RequestsInFlight.Inc()
}

func (m *Metrics) RequestFinished() {
	if m == nil {
		return
	}
	m.RequestsInFlight.Dec()
}

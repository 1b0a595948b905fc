// Package metrics exposes pipeline, event bus and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/fileparse/internal/core"
	"github.com/JonMunkholm/fileparse/internal/events"
)

const namespace = "fileparse"

// Metrics holds every collector. It satisfies core.Metrics and
// events.Metrics.
type Metrics struct {
	gatherer prometheus.Gatherer
	factory  promauto.Factory

	transitions   *prometheus.CounterVec
	bytesReceived prometheus.Counter
	rowsParsed    prometheus.Counter
	pipelines     *prometheus.HistogramVec

	subscribers prometheus.Gauge
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry, so several instances
// (tests) never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		factory:  f,

		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_transitions_total",
			Help:      "File lifecycle transitions by target status.",
		}, []string{"status"}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes received from uploads.",
		}),
		rowsParsed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parsed_rows_total",
			Help:      "Rows parsed from stored files.",
		}),
		pipelines: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Time from upload start to a terminal status.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"status"}),

		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Open progress event subscriptions.",
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Progress events published by kind.",
		}, []string{"kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded or subscribers disconnected for being slow.",
		}, []string{"policy"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.gatherer }

// WatchLimiter exports the pipeline slot usage of l.
func (m *Metrics) WatchLimiter(l *core.UploadLimiter) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pipelines_active",
		Help:      "File pipelines currently holding a slot.",
	}, func() float64 { return float64(l.ActiveCount()) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pipelines_max",
		Help:      "Configured pipeline slots.",
	}, func() float64 { return float64(l.MaxConcurrent()) })
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// core.Metrics

func (m *Metrics) Transition(to core.Status) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) BytesReceived(n int64) {
	if n > 0 {
		m.bytesReceived.Add(float64(n))
	}
}

func (m *Metrics) RowsParsed(n int64) {
	if n > 0 {
		m.rowsParsed.Add(float64(n))
	}
}

func (m *Metrics) Finished(status core.Status, elapsed time.Duration) {
	m.pipelines.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// events.Metrics

func (m *Metrics) Subscribed() { m.subscribers.Inc() }

func (m *Metrics) Unsubscribed() { m.subscribers.Dec() }

func (m *Metrics) Published(kind string) {
	m.published.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped(policy events.Policy) {
	m.dropped.WithLabelValues(string(policy)).Inc()
}

var (
	_ core.Metrics   = (*Metrics)(nil)
	_ events.Metrics = (*Metrics)(nil)
)

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream session registry.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	sessionsCreatedTotal prometheus.Counter
	sessionsDeletedTotal prometheus.Counter
	sessionsExpiredTotal prometheus.Counter
	sweepFailuresTotal   prometheus.Counter
	transitionsTotal     *prometheus.CounterVec
	ingestEventsTotal    *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	liveSessions         prometheus.Gauge
}

// New creates and registers Prometheus metrics for the registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamreg_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamreg_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamreg_sessions_created_total",
			Help: "Total number of stream sessions created",
		}),
		sessionsDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamreg_sessions_deleted_total",
			Help: "Total number of stream sessions deleted by their owner",
		}),
		sessionsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamreg_sessions_expired_total",
			Help: "Total number of stream sessions reclaimed by the expiry sweeper",
		}),
		sweepFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamreg_sweep_failures_total",
			Help: "Total number of expiry sweep passes that failed",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamreg_status_transitions_total",
			Help: "Accepted session status transitions by target status",
		}, []string{"to"}),
		ingestEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamreg_ingest_events_total",
			Help: "Ingest notifications processed by event and result",
		}, []string{"event", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamreg_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status code",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"route", "code"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamreg_live_sessions",
			Help: "Number of stored sessions that have not expired",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsCreatedTotal,
		m.sessionsDeletedTotal,
		m.sessionsExpiredTotal,
		m.sweepFailuresTotal,
		m.transitionsTotal,
		m.ingestEventsTotal,
		m.requestDuration,
		m.liveSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

func (m *Metrics) IncSessionsCreated() {
	if m != nil {
		m.sessionsCreatedTotal.Inc()
	}
}

func (m *Metrics) IncSessionsDeleted() {
	if m != nil {
		m.sessionsDeletedTotal.Inc()
	}
}

// AddSessionsExpired adds n sessions removed by a sweep pass.
func (m *Metrics) AddSessionsExpired(n int) {
	if m != nil && n > 0 {
		m.sessionsExpiredTotal.Add(float64(n))
	}
}

func (m *Metrics) IncSweepFailures() {
	if m != nil {
		m.sweepFailuresTotal.Inc()
	}
}

// IncTransition records an accepted status change into status to.
func (m *Metrics) IncTransition(to string) {
	if m != nil {
		m.transitionsTotal.WithLabelValues(to).Inc()
	}
}

// IncIngestEvent records an ingest notification outcome.
func (m *Metrics) IncIngestEvent(event, result string) {
	if m != nil {
		m.ingestEventsTotal.WithLabelValues(event, result).Inc()
	}
}

// ObserveRequest records one request against its route pattern. Unmatched
// requests share the "unmatched" route so path values never become labels.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
	if status >= http.StatusBadRequest {
		m.errorsTotal.Inc()
	}
	if route == "" {
		route = "unmatched"
	}
	m.requestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(d.Seconds())
}

// SetLiveSessions sets the live sessions gauge.
func (m *Metrics) SetLiveSessions(n int) {
	if m != nil {
		m.liveSessions.Set(float64(n))
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. live sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the media broker.
// All methods are no-ops on a nil *Metrics so callers can run without
// metrics (e.g. in tests).
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	sessionsCreatedTotal prometheus.Counter
	sessionsRemovedTotal *prometheus.CounterVec
	activeSessions       prometheus.Gauge
	engineBindsTotal     *prometheus.CounterVec
	bindFailuresTotal    prometheus.Counter
	livenessTimeouts     prometheus.Counter
	recordingsScheduled  prometheus.Counter
	eventStreams         *prometheus.GaugeVec
}

// New creates and registers Prometheus metrics for the broker.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		sessionsRemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_sessions_removed_total",
			Help: "Total number of sessions removed, by reason",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_active_sessions",
			Help: "Number of sessions currently registered",
		}),
		engineBindsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_engine_binds_total",
			Help: "Total number of engines bound to sessions, by engine type",
		}, []string{"type"}),
		bindFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_engine_bind_failures_total",
			Help: "Total number of failed engine binds (construction or replay)",
		}),
		livenessTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_liveness_timeouts_total",
			Help: "Total number of attended sessions removed for missing heartbeats",
		}),
		recordingsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_recordings_scheduled_total",
			Help: "Total number of scheduled recordings accepted",
		}),
		eventStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_event_streams",
			Help: "Open Server-Sent Event streams, by kind (session or registry)",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsCreatedTotal,
		m.sessionsRemovedTotal,
		m.activeSessions,
		m.engineBindsTotal,
		m.bindFailuresTotal,
		m.livenessTimeouts,
		m.recordingsScheduled,
		m.eventStreams,
	)
	return m
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

func (m *Metrics) IncSessionsCreated() {
	if m == nil {
		return
	}
	m.sessionsCreatedTotal.Inc()
}

func (m *Metrics) IncSessionsRemoved(reason string) {
	if m == nil {
		return
	}
	m.sessionsRemovedTotal.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) IncEngineBinds(engineType string) {
	if m == nil {
		return
	}
	m.engineBindsTotal.WithLabelValues(engineType).Inc()
}

func (m *Metrics) IncEngineBindFailures() {
	if m == nil {
		return
	}
	m.bindFailuresTotal.Inc()
}

func (m *Metrics) IncLivenessTimeouts() {
	if m == nil {
		return
	}
	m.livenessTimeouts.Inc()
}

func (m *Metrics) IncRecordingsScheduled() {
	if m == nil {
		return
	}
	m.recordingsScheduled.Inc()
}

// StreamOpened tracks an event stream of kind until the returned func is
// called.
func (m *Metrics) StreamOpened(kind string) (closed func()) {
	if m == nil {
		return func() {}
	}
	g := m.eventStreams.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

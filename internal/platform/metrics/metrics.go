package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the HLS relay.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	segmentsRelayedTotal prometheus.Counter
	relayBytesTotal      prometheus.Counter
	streamSwitchesTotal  prometheus.Counter
	activeSessions       prometheus.Gauge
	errorsTotal          prometheus.Counter
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total number of HTTP requests received",
	})
	segmentsRelayedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_segments_relayed_total",
		Help: "Total number of media segments relayed from origin",
	})
	relayBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_total",
		Help: "Total number of body bytes relayed from origin to clients",
	})
	streamSwitchesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_stream_switches_total",
		Help: "Total number of successful active-stream designations",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_sessions",
		Help: "Number of sessions currently held by the registry",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		segmentsRelayedTotal,
		relayBytesTotal,
		streamSwitchesTotal,
		activeSessions,
		errorsTotal,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		segmentsRelayedTotal: segmentsRelayedTotal,
		relayBytesTotal:      relayBytesTotal,
		streamSwitchesTotal:  streamSwitchesTotal,
		activeSessions:       activeSessions,
		errorsTotal:          errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncSegmentsRelayed increments the relayed segment counter.
func (m *Metrics) IncSegmentsRelayed() {
	m.segmentsRelayedTotal.Inc()
}

// AddRelayBytes adds n to the relayed byte counter.
func (m *Metrics) AddRelayBytes(n int64) {
	if n > 0 {
		m.relayBytesTotal.Add(float64(n))
	}
}

// IncStreamSwitches increments the stream switch counter.
func (m *Metrics) IncStreamSwitches() {
	m.streamSwitchesTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

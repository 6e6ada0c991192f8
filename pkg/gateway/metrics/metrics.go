// Package metrics holds the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// WebSocket metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	FramesTotal       *prometheus.CounterVec

	// Live session metrics
	LiveSessionsActive  prometheus.Gauge
	LiveSessionsTotal   *prometheus.CounterVec
	LiveSessionDuration prometheus.Histogram
	LiveAudioBytesTotal *prometheus.CounterVec
	ResponsesTriggered  *prometheus.CounterVec
	BargeInsTotal       prometheus.Counter

	// Agent metrics
	AgentQueriesTotal  *prometheus.CounterVec
	AgentQueryDuration *prometheus.HistogramVec

	ErrorsTotal   *prometheus.CounterVec
	RateLimitHits *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "live_gateway"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"route"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Number of open WebSocket connections",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connections_total",
			Help:      "WebSocket upgrade attempts by outcome",
		}, []string{"outcome"}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_total",
			Help:      "WebSocket JSON frames by direction and type",
		}, []string{"direction", "type"}),
		LiveSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Number of active live voice sessions",
		}),
		LiveSessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_sessions_total",
			Help:      "Total number of live voice sessions by end status",
		}, []string{"status"}),
		LiveSessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_session_duration_seconds",
			Help:      "Live voice session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		LiveAudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_bytes_total",
			Help:      "Total audio bytes relayed in live sessions",
		}, []string{"direction"}),
		ResponsesTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_responses_triggered_total",
			Help:      "Voice responses started, by trigger",
		}, []string{"trigger"}),
		BargeInsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_barge_ins_total",
			Help:      "Total number of barge-in interruptions",
		}),
		AgentQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_queries_total",
			Help:      "Agent queries by source and outcome",
		}, []string{"source", "outcome"}),
		AgentQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_query_duration_seconds",
			Help:      "Agent query duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors reported to clients",
		}, []string{"error_type"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		}, []string{"limit_type"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.FramesTotal,
		m.LiveSessionsActive,
		m.LiveSessionsTotal,
		m.LiveSessionDuration,
		m.LiveAudioBytesTotal,
		m.ResponsesTriggered,
		m.BargeInsTotal,
		m.AgentQueriesTotal,
		m.AgentQueryDuration,
		m.ErrorsTotal,
		m.RateLimitHits,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordConnection counts an upgrade attempt. Accepted connections also
// raise the active gauge; the returned func lowers it again.
func (m *Metrics) RecordConnection(outcome string) (done func()) {
	if m == nil {
		return func() {}
	}
	m.ConnectionsTotal.WithLabelValues(outcome).Inc()
	if outcome != "accepted" {
		return func() {}
	}
	m.ConnectionsActive.Inc()
	return m.ConnectionsActive.Dec
}

func (m *Metrics) RecordFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) RecordLiveSessionStart() {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Inc()
}

func (m *Metrics) RecordLiveSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Dec()
	m.LiveSessionsTotal.WithLabelValues(status).Inc()
	m.LiveSessionDuration.Observe(duration.Seconds())
}

// RecordLiveAudio records relayed audio bytes; direction is "in" or "out".
func (m *Metrics) RecordLiveAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.LiveAudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordResponseTriggered(trigger string) {
	if m == nil {
		return
	}
	m.ResponsesTriggered.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeInsTotal.Inc()
}

func (m *Metrics) RecordAgentQuery(source, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AgentQueriesTotal.WithLabelValues(source, outcome).Inc()
	m.AgentQueryDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

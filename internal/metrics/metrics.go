// Package metrics exposes Prometheus collectors for the gateway and API.
// All methods are safe on a nil receiver.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	connections    prometheus.Gauge
	rooms          prometheus.Gauge
	events         *prometheus.CounterVec
	eventErrors    *prometheus.CounterVec
	persistLatency prometheus.Histogram
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil registerer yields a Metrics
// that records nothing.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Authenticated websocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_rooms",
			Help: "Order rooms with at least one member.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Inbound gateway events by type.",
		}, []string{"type"}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_event_errors_total",
			Help: "Inbound gateway events that failed, by type and error kind.",
		}, []string{"type", "kind"}),
		persistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_message_persist_seconds",
			Help:    "Time spent storing chat messages before broadcast.",
			Buckets: prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(m.connections, m.rooms, m.events, m.eventErrors, m.persistLatency, m.httpRequests, m.httpDuration)
	return m
}

func (m *Metrics) SetConnections(n int) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) SetRooms(n int) {
	if m == nil || m.rooms == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) IncEvent(eventType string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *Metrics) IncEventError(eventType, kind string) {
	if m == nil || m.eventErrors == nil {
		return
	}
	m.eventErrors.WithLabelValues(normalizeLabel(eventType), normalizeLabel(kind)).Inc()
}

func (m *Metrics) ObservePersist(d time.Duration) {
	if m == nil || m.persistLatency == nil {
		return
	}
	m.persistLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(route, method string, code int, d time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	route = normalizeLabel(route)
	m.httpRequests.WithLabelValues(route, method, statusLabel(code)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

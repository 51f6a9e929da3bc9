package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingest core
type Metrics struct {
	// Counters
	MessagesTotal     prometheus.CounterVec
	ConnectionsTotal  prometheus.CounterVec
	AlertsTotal       prometheus.CounterVec
	AuthFailuresTotal prometheus.Counter
	StoreFailures     prometheus.Counter
	BusDroppedTotal   prometheus.CounterVec

	// Gauges
	ConnectionsActive prometheus.Gauge

	// Histograms
	DispatchDuration prometheus.HistogramVec

	mu sync.Mutex
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			MessagesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "airsentry_messages_total",
					Help: "Total inbound messages by type and protocol version",
				},
				[]string{"type", "version"},
			),
			ConnectionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "airsentry_connections_total",
					Help: "Total connections (accepted/closed/failed)",
				},
				[]string{"status"},
			),
			AlertsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "airsentry_alerts_total",
					Help: "Alert events by kind and level",
				},
				[]string{"kind", "level"},
			),
			AuthFailuresTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "airsentry_auth_failures_total",
					Help: "Messages rejected for bad password or signature",
				},
			),
			StoreFailures: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "airsentry_store_write_failures_total",
					Help: "Database writes that failed after retry",
				},
			),
			BusDroppedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "airsentry_bus_dropped_total",
					Help: "Events shed from full consumer channels",
				},
				[]string{"kind"},
			),
			ConnectionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "airsentry_connections_active",
					Help: "Current active sensor connections",
				},
			),
			DispatchDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "airsentry_dispatch_duration_seconds",
					Help:    "Message dispatch duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"type"},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordMessage records one inbound message
func (m *Metrics) RecordMessage(msgType, version string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType, version).Inc()
}

// RecordConnection records a connection lifecycle transition
func (m *Metrics) RecordConnection(status string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(status).Inc()
}

// RecordAlert records one classified alert event
func (m *Metrics) RecordAlert(kind, level string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(kind, level).Inc()
}

// RecordAuthFailure records a rejected message
func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.Inc()
}

// RecordStoreFailure records a write that failed after retry
func (m *Metrics) RecordStoreFailure() {
	if m == nil {
		return
	}
	m.StoreFailures.Inc()
}

// RecordBusDrop records an event shed from a full channel
func (m *Metrics) RecordBusDrop(kind string) {
	if m == nil {
		return
	}
	m.BusDroppedTotal.WithLabelValues(kind).Inc()
}

// SetActiveConnections sets the current active connection count
func (m *Metrics) SetActiveConnections(count int64) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(count))
}

// RecordDispatchDuration records message handling duration
func (m *Metrics) RecordDispatchDuration(msgType string, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(msgType).Observe(seconds)
}

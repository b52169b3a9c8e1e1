// Package metrics exposes the streaming server's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's counters and gauges. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	sessionsOpened  prometheus.Counter
	sessionsFailed  prometheus.Counter
	segmentsSent    prometheus.Counter
	segmentBytes    prometheus.Counter
	segmentSize     prometheus.Histogram
	droppedUnits    *prometheus.CounterVec
	pacingChanges   *prometheus.CounterVec
	inputEvents     prometheus.Counter
	ignoredMessages prometheus.Counter
}

// New creates and registers the metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arcadecast_active_sessions",
			Help: "Number of sessions currently streaming",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcadecast_sessions_opened_total",
			Help: "Total number of sessions that became active",
		}),
		sessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcadecast_sessions_failed_total",
			Help: "Total number of session opens that failed",
		}),
		segmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcadecast_segments_sent_total",
			Help: "Total number of media segments delivered",
		}),
		segmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcadecast_segment_bytes_total",
			Help: "Total bytes of media segments delivered",
		}),
		segmentSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arcadecast_segment_size_bytes",
			Help:    "Size of delivered media segments",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12),
		}),
		droppedUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcadecast_dropped_units_total",
			Help: "Media units dropped after a recoverable failure",
		}, []string{"kind"}),
		pacingChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcadecast_pacing_transitions_total",
			Help: "Pacing controller state transitions",
		}, []string{"state"}),
		inputEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcadecast_input_events_total",
			Help: "Key events injected into machines",
		}),
		ignoredMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcadecast_ignored_messages_total",
			Help: "Client messages dropped as unknown or malformed",
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.sessionsOpened,
		m.sessionsFailed,
		m.segmentsSent,
		m.segmentBytes,
		m.segmentSize,
		m.droppedUnits,
		m.pacingChanges,
		m.inputEvents,
		m.ignoredMessages,
	)
	return m
}

// SessionOpened records a session becoming active.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.activeSessions.Inc()
}

// SessionClosed records an active session ending.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// SessionFailed records a failed open.
func (m *Metrics) SessionFailed() {
	if m == nil {
		return
	}
	m.sessionsFailed.Inc()
}

// SegmentSent records one delivered segment.
func (m *Metrics) SegmentSent(size int) {
	if m == nil {
		return
	}
	m.segmentsSent.Inc()
	m.segmentBytes.Add(float64(size))
	m.segmentSize.Observe(float64(size))
}

// UnitDropped records a dropped frame, audio chunk or segment.
func (m *Metrics) UnitDropped(kind string) {
	if m == nil {
		return
	}
	m.droppedUnits.WithLabelValues(kind).Inc()
}

// PacingChanged records a pacing transition into state.
func (m *Metrics) PacingChanged(state string) {
	if m == nil {
		return
	}
	m.pacingChanges.WithLabelValues(state).Inc()
}

// InputEvent records one injected key event.
func (m *Metrics) InputEvent() {
	if m == nil {
		return
	}
	m.inputEvents.Inc()
}

// MessageIgnored records one dropped client message.
func (m *Metrics) MessageIgnored() {
	if m == nil {
		return
	}
	m.ignoredMessages.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

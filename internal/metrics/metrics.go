// Package metrics exposes Prometheus instrumentation for the biometric
// stream subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StreamMetrics holds the Prometheus collectors for stream ingestion,
// connections and alerting. A nil *StreamMetrics is valid and disables
// instrumentation, so components never need nil checks at call sites.
type StreamMetrics struct {
	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	pointsBuffered    *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	connectionsActive prometheus.Gauge
	alertsRaised      *prometheus.CounterVec
	alertsSuppressed  prometheus.Counter
}

// New creates and registers stream metrics on the given registerer.
func New(reg prometheus.Registerer) *StreamMetrics {
	m := &StreamMetrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biostream_frames_received_total",
			Help: "Transport frames received per stream",
		}, []string{"stream_id"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biostream_frames_dropped_total",
			Help: "Frames discarded before buffering, by reason",
		}, []string{"stream_id", "reason"}),
		pointsBuffered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biostream_points_buffered_total",
			Help: "Data points accepted into the working window",
		}, []string{"stream_id"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biostream_reconnect_attempts_total",
			Help: "Reconnection attempts per stream",
		}, []string{"stream_id"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "biostream_connections_active",
			Help: "Streams currently connected or reconnecting",
		}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biostream_alerts_raised_total",
			Help: "Clinical alerts raised, by severity",
		}, []string{"severity"}),
		alertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "biostream_alerts_suppressed_total",
			Help: "Alerts suppressed by the cool-down window",
		}),
	}

	reg.MustRegister(
		m.framesReceived,
		m.framesDropped,
		m.pointsBuffered,
		m.reconnectAttempts,
		m.connectionsActive,
		m.alertsRaised,
		m.alertsSuppressed,
	)

	return m
}

func (m *StreamMetrics) FrameReceived(streamID string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(streamID).Inc()
}

func (m *StreamMetrics) FrameDropped(streamID, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(streamID, reason).Inc()
}

func (m *StreamMetrics) PointBuffered(streamID string) {
	if m == nil {
		return
	}
	m.pointsBuffered.WithLabelValues(streamID).Inc()
}

func (m *StreamMetrics) ReconnectAttempt(streamID string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(streamID).Inc()
}

func (m *StreamMetrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.connectionsActive.Set(float64(n))
}

func (m *StreamMetrics) AlertRaised(severity string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(severity).Inc()
}

func (m *StreamMetrics) AlertSuppressed() {
	if m == nil {
		return
	}
	m.alertsSuppressed.Inc()
}

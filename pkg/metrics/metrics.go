// Package metrics exposes handshake and session counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "peerauth"

// Metrics holds the handshake collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	handshakesStarted   *prometheus.CounterVec
	handshakesCompleted *prometheus.CounterVec
	handshakeFailures   *prometheus.CounterVec
	handshakeDuration   *prometheus.HistogramVec
	activeSessions      prometheus.Gauge
	appDataBytes        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		handshakesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "handshake",
				Name:      "started_total",
				Help:      "Number of handshakes started, by role.",
			},
			[]string{"role"},
		),
		handshakesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "handshake",
				Name:      "completed_total",
				Help:      "Number of handshakes that reached Ready, by role.",
			},
			[]string{"role"},
		),
		handshakeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "handshake",
				Name:      "failures_total",
				Help:      "Number of failed handshakes, by error kind and state.",
			},
			[]string{"kind", "state"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "handshake",
				Name:      "duration_seconds",
				Help:      "Time from start to Ready.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"role"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of sessions in Ready.",
			},
		),
		appDataBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "app_data_bytes_total",
				Help:      "Application payload bytes, by direction.",
			},
			[]string{"direction"},
		),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.handshakesStarted,
		m.handshakesCompleted,
		m.handshakeFailures,
		m.handshakeDuration,
		m.activeSessions,
		m.appDataBytes,
	}
}

// HandshakeStarted records a handshake start.
func (m *Metrics) HandshakeStarted(role string) {
	if m == nil {
		return
	}
	m.handshakesStarted.WithLabelValues(role).Inc()
}

// HandshakeCompleted records a handshake that reached Ready.
func (m *Metrics) HandshakeCompleted(role string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.handshakesCompleted.WithLabelValues(role).Inc()
	m.handshakeDuration.WithLabelValues(role).Observe(elapsed.Seconds())
	m.activeSessions.Inc()
}

// HandshakeFailed records a failure classified by kind and state.
func (m *Metrics) HandshakeFailed(kind, state string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(kind, state).Inc()
}

// SessionEnded records a Ready session going away.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// AppDataSent records an outbound payload.
func (m *Metrics) AppDataSent(n int) {
	if m == nil {
		return
	}
	m.appDataBytes.WithLabelValues("tx").Add(float64(n))
}

// AppDataReceived records an inbound payload.
func (m *Metrics) AppDataReceived(n int) {
	if m == nil {
		return
	}
	m.appDataBytes.WithLabelValues("rx").Add(float64(n))
}

// Package metrics holds the Prometheus collectors for the dispatch engine and
// the client lifecycle. All recording methods are safe on a nil *Metrics, so
// components can be built without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "packet_rpc"

// Request status labels.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusUnknown = "unknown_operation"
)

type Metrics struct {
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	malformedFrames   prometheus.Counter
	droppedReplies    prometheus.Counter
	lateReplies       prometheus.Counter
	pendingRequests   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	connectionPhase   prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests to avoid clashing with the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Packets dispatched to handlers, by operation and status.",
		}, []string{"operation", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Handler execution time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		malformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "malformed_frames_total",
			Help:      "Frames dropped because the payload did not decode.",
		}),
		droppedReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "dropped_replies_total",
			Help:      "Replies that could not be encoded or written.",
		}),
		lateReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "unmatched_replies_total",
			Help:      "Replies that matched no pending request.",
		}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "pending_requests",
			Help:      "Requests waiting for a reply.",
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
		connectionPhase: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "connection_phase",
			Help:      "Current connection phase: 0 idle, 1 connected, 2 reconnecting, 3 gave up.",
		}),
	}
}

func (m *Metrics) ObserveRequest(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) DroppedReply() {
	if m == nil {
		return
	}
	m.droppedReplies.Inc()
}

func (m *Metrics) UnmatchedReply() {
	if m == nil {
		return
	}
	m.lateReplies.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) SetPhase(phase int) {
	if m == nil {
		return
	}
	m.connectionPhase.Set(float64(phase))
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	ActiveStreams       prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	Frames              *prometheus.CounterVec
	AdmissionRejections *prometheus.CounterVec
	BridgeTransitions   *prometheus.CounterVec
	StreamErrors        *prometheus.CounterVec
	HandshakeLatency    prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live relay sessions in the registry.",
		}),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of open downstream event streams.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Frames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Relayed media frames by direction and kind.",
		}, []string{"direction", "kind"}),
		AdmissionRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Stream admissions rejected, by reason.",
		}, []string{"reason"}),
		BridgeTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_transitions_total",
			Help:      "Upstream bridge state transitions by target state.",
		}, []string{"state"}),
		StreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Relay errors by operation.",
		}, []string{"op"}),
		HandshakeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_ms",
			Help:      "Latency from upstream dial to handshake acknowledgement in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1000, 2000, 5000, 15000},
		}),
	}
}

func (m *Metrics) ObserveHandshakeLatency(d time.Duration) {
	m.HandshakeLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

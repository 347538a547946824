package relay

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "promptlab"
	metricsSubsystem = "relay"
)

// Outcome labels the terminal state of a relayed request.
type Outcome string

const (
	OutcomeRejectedAuth    Outcome = "unauthorized"
	OutcomeRejectedRequest Outcome = "bad_request"
	OutcomeUpstreamError   Outcome = "upstream_error"
	OutcomeStreamed        Outcome = "streamed"
	OutcomeDisconnected    Outcome = "client_disconnect"
)

// Metrics holds the Prometheus collectors of the relay.
type Metrics struct {
	RequestsTotal          *prometheus.CounterVec
	UpstreamStatusTotal    *prometheus.CounterVec
	ModelFallbacksTotal    prometheus.Counter
	ActiveStreams          prometheus.Gauge
	TimeToFirstByteSeconds prometheus.Histogram
	StreamDurationSeconds  *prometheus.HistogramVec
	RelayedBytesTotal      prometheus.Counter
}

// NewMetrics creates the relay collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by outcome",
			},
			[]string{"outcome"},
		),
		UpstreamStatusTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "upstream_status_total",
				Help:      "Total upstream answers by HTTP status code",
			},
			[]string{"code"},
		),
		ModelFallbacksTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "model_fallbacks_total",
				Help:      "Total requests whose model was replaced by the default model",
			},
		),
		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "active_streams",
				Help:      "Number of streams currently piped through",
			},
		),
		TimeToFirstByteSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "time_to_first_byte_seconds",
				Help:      "Time from forwarding the request to the first streamed byte",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		StreamDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total pipe-through duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		RelayedBytesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "relayed_bytes_total",
				Help:      "Total bytes piped from the gateway to clients",
			},
		),
	}
}

func (m *Metrics) recordRequest(outcome Outcome) {
	m.RequestsTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) recordUpstreamStatus(code int) {
	m.UpstreamStatusTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

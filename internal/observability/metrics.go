package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge.
type Metrics struct {
	PlaybackSessions    *prometheus.CounterVec
	StreamingStalls     prometheus.Counter
	FallbackAttempts    *prometheus.CounterVec
	DeviceWriteErrors   prometheus.Counter
	CaptureSessions     *prometheus.CounterVec
	TranscriptionErrors prometheus.Counter
	RecoveryOutcomes    *prometheus.CounterVec
	TimeToFirstWrite    prometheus.Histogram
	MicLevel            prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		PlaybackSessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_sessions_total",
			Help:      "Streaming playback sessions by exit reason.",
		}, []string{"exit_reason"}),
		StreamingStalls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_stalls_total",
			Help:      "Streaming sessions that went silent mid-stream.",
		}),
		FallbackAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_attempts_total",
			Help:      "Non-streaming synthesis attempts by strategy and result.",
		}, []string{"strategy", "result"}),
		DeviceWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_write_errors_total",
			Help:      "Output device write failures.",
		}),
		CaptureSessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_sessions_total",
			Help:      "Microphone capture sessions by outcome.",
		}, []string{"outcome"}),
		TranscriptionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_errors_total",
			Help:      "Failed transcription requests.",
		}),
		RecoveryOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_outcomes_total",
			Help:      "Stall recovery protocol outcomes.",
		}, []string{"outcome"}),
		TimeToFirstWrite: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_write_ms",
			Help:      "Latency from format negotiation to first device write in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 1000, 2000, 5000},
		}),
		MicLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mic_level",
			Help:      "Most recent microphone display level (0-100).",
		}),
	}
}

func (m *Metrics) ObserveTimeToFirstWrite(d time.Duration) {
	m.TimeToFirstWrite.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

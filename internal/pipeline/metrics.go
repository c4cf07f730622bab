package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus surface of the pipeline: admission outcomes,
// per-stage latencies, and the degraded-mode indicator.
type Metrics struct {
	requests      *prometheus.CounterVec
	stageLatency  *prometheus.HistogramVec
	degraded      prometheus.Gauge
	droppedWrites prometheus.Counter
}

// NewMetrics registers the pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apilens",
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Requests processed, labeled by terminal outcome.",
		}, []string{"outcome"}),
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apilens",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"stage"}),
		degraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "apilens",
			Subsystem: "pipeline",
			Name:      "degraded_mode",
			Help:      "1 while the substrate breaker holds the pipeline in degraded mode.",
		}),
		droppedWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apilens",
			Subsystem: "pipeline",
			Name:      "cost_writes_dropped_total",
			Help:      "Real-time cost writes dropped while degraded.",
		}),
	}
}

func (m *Metrics) observeOutcome(outcome Outcome) {
	if m != nil {
		m.requests.WithLabelValues(string(outcome)).Inc()
	}
}

func (m *Metrics) observeStage(stage string, seconds float64) {
	if m != nil {
		m.stageLatency.WithLabelValues(stage).Observe(seconds)
	}
}

func (m *Metrics) setDegraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}

func (m *Metrics) observeDroppedWrite() {
	if m != nil {
		m.droppedWrites.Inc()
	}
}

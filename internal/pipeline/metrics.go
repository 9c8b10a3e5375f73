package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// pipelineMetrics instruments query answering. All methods are nil-safe so
// a Pipeline built without a registerer skips instrumentation.
type pipelineMetrics struct {
	queriesTotal          *prometheus.CounterVec
	gateTotal             *prometheus.CounterVec
	consistencyViolations prometheus.Counter
	answerLatency         prometheus.Histogram
}

func newPipelineMetrics(reg prometheus.Registerer) *pipelineMetrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &pipelineMetrics{
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbai", Subsystem: "pipeline", Name: "queries_total",
			Help: "Answered queries by outcome (grounded, fallback, error).",
		}, []string{"outcome"}),
		gateTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbai", Subsystem: "pipeline", Name: "gate_total",
			Help: "Relevance gate decisions by verdict.",
		}, []string{"verdict"}),
		consistencyViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kbai", Subsystem: "pipeline", Name: "consistency_violations_total",
			Help: "Search hits whose slot had no chunk mapping in the searched index.",
		}),
		answerLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kbai", Subsystem: "pipeline", Name: "answer_duration_seconds",
			Help:    "End-to-end query answering latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *pipelineMetrics) countQuery(outcome string) {
	if m != nil {
		m.queriesTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *pipelineMetrics) countGate(verdict string) {
	if m != nil {
		m.gateTotal.WithLabelValues(verdict).Inc()
	}
}

func (m *pipelineMetrics) countConsistencyViolation() {
	if m != nil {
		m.consistencyViolations.Inc()
	}
}

func (m *pipelineMetrics) observeLatency(d time.Duration) {
	if m != nil {
		m.answerLatency.Observe(d.Seconds())
	}
}

package reconcile

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// reconcilerMetrics holds the Prometheus metrics owned by the reconciler.
// Created via promauto.With against an injected registry so unit tests stay
// hermetic.
type reconcilerMetrics struct {
	// documentsTotal counts reconciled documents, partitioned by outcome:
	// "reconciled", "skipped", or "failed".
	documentsTotal *prometheus.CounterVec

	// rebuildsTotal counts index rebuilds.
	rebuildsTotal prometheus.Counter

	// rebuildDurationSeconds records rebuild wall-clock duration.
	rebuildDurationSeconds prometheus.Histogram

	// deadRatio is the current dead-slot ratio of the index.
	deadRatio prometheus.Gauge

	// liveVectors is the number of live vectors in the serving index.
	liveVectors prometheus.Gauge
}

func newReconcilerMetrics(reg prometheus.Registerer) *reconcilerMetrics {
	factory := promauto.With(reg)

	return &reconcilerMetrics{
		documentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbai",
			Subsystem: "reconcile",
			Name:      "documents_total",
			Help:      "Documents processed by the reconciler, partitioned by outcome.",
		}, []string{"outcome"}),

		rebuildsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kbai",
			Subsystem: "index",
			Name:      "rebuilds_total",
			Help:      "Total number of index rebuilds.",
		}),

		rebuildDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kbai",
			Subsystem: "index",
			Name:      "rebuild_duration_seconds",
			Help:      "Wall-clock duration of index rebuilds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		deadRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kbai",
			Subsystem: "index",
			Name:      "dead_slot_ratio",
			Help:      "Fraction of index slots whose chunks are dead.",
		}),

		liveVectors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kbai",
			Subsystem: "index",
			Name:      "live_vectors",
			Help:      "Number of live vectors in the serving index.",
		}),
	}
}

func (r *Reconciler) countDocument(outcome documentOutcome, err error) {
	if r.metrics == nil {
		return
	}
	label := "reconciled"
	switch {
	case err != nil:
		label = "failed"
	case outcome == outcomeSkipped:
		label = "skipped"
	}
	r.metrics.documentsTotal.WithLabelValues(label).Inc()
}

func (r *Reconciler) startRebuildTimer() time.Time {
	return time.Now()
}

func (r *Reconciler) finishRebuild(start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.rebuildsTotal.Inc()
	r.metrics.rebuildDurationSeconds.Observe(time.Since(start).Seconds())
}

func (r *Reconciler) updateGauges(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	live, dead, err := r.store.SlotStats(ctx)
	if err != nil {
		return
	}
	total := live + dead
	if total > 0 {
		r.metrics.deadRatio.Set(float64(dead) / float64(total))
	} else {
		r.metrics.deadRatio.Set(0)
	}
	r.metrics.liveVectors.Set(float64(live))
}

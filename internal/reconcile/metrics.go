package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsMarked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "velora",
		Subsystem: "reconcile",
		Name:      "sessions_marked",
		Help:      "Sessions moved to awaiting_confirmation in the last run.",
	})

	escrowsReleased = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "velora",
		Subsystem: "reconcile",
		Name:      "escrows_released",
		Help:      "Escrows auto-released in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "velora",
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "velora",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Total per-row reconciliation errors.",
	})
)

func init() {
	prometheus.MustRegister(sessionsMarked, escrowsReleased, runDuration, runErrors)
}

package wallet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts wallet operations by entry type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velora",
			Name:      "wallet_operations_total",
			Help:      "Total wallet operations by entry type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by entry type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "velora",
			Name:      "wallet_operation_duration_seconds",
			Help:      "Wallet operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// InsufficientFundsTotal counts debits rejected for lack of balance.
	InsufficientFundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "velora",
			Name:      "wallet_insufficient_funds_total",
			Help:      "Debits rejected because the balance could not cover them.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		InsufficientFundsTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

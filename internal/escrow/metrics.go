package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// transitionsTotal counts escrow status transitions.
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velora",
			Name:      "escrow_transitions_total",
			Help:      "Escrow status transitions by target status.",
		},
		[]string{"status"},
	)

	// disputesOpen tracks the number of currently open disputes.
	disputesOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "velora",
			Name:      "escrow_disputes_open",
			Help:      "Number of currently open escrow disputes.",
		},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, disputesOpen)
}

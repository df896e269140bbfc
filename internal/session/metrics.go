package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// transitionsTotal counts session status transitions by target status.
var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "velora",
		Name:      "session_transitions_total",
		Help:      "Session status transitions by target status.",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(transitionsTotal)
}

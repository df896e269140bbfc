package payments

import (
	"github.com/prometheus/client_golang/prometheus"
)

// chargesTotal counts settled payments by purpose.
var chargesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "velora",
		Name:      "payments_confirmed_total",
		Help:      "Confirmed payments by purpose.",
	},
	[]string{"purpose"},
)

func init() {
	prometheus.MustRegister(chargesTotal)
}

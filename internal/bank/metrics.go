package bank

import "github.com/prometheus/client_golang/prometheus"

var (
	bankRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgersync",
		Subsystem: "bank",
		Name:      "requests_total",
		Help:      "Bank ledger calls by operation and outcome.",
	}, []string{"op", "outcome"})

	bankRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgersync",
		Subsystem: "bank",
		Name:      "request_duration_seconds",
		Help:      "Bank ledger call latency by operation.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(bankRequests, bankRequestDuration)
}

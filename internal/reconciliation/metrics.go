package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/ledgersync/internal/metrics"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
)

var (
	mismatchedAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "mismatched_accounts",
		Help:      "Accounts with a non-zero discrepancy after the last run.",
	})

	totalDiscrepancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "total_discrepancy",
		Help:      "Sum of absolute account discrepancies in the display currency after the last run.",
	})

	bankFetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "bank_fetch_failures_total",
		Help:      "Bank balance fetches that failed and were taken as zero.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Reconciliation runs by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		mismatchedAccounts,
		totalDiscrepancy,
		bankFetchFailures,
		runDuration,
		runsTotal,
	)
}

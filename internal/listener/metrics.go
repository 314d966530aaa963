package listener

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/ledgersync/internal/metrics"
)

const (
	outcomeRecorded  = "recorded"
	outcomeDuplicate = "duplicate"
	outcomeError     = "error"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "listener",
		Name:      "events_total",
		Help:      "Router events handled by type and outcome.",
	}, []string{"type", "outcome"})

	skippedLogs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "listener",
		Name:      "skipped_logs_total",
		Help:      "Logs that could not be decoded, by reason.",
	}, []string{"reason"})

	unrecordedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "listener",
		Name:      "unrecorded_events_total",
		Help:      "Events that failed to record and are left for the next read of their block.",
	})

	holdFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "listener",
		Name:      "hold_failures_total",
		Help:      "Bank holds that failed after an initiation was recorded.",
	})

	streamFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "listener",
		Name:      "stream_failures_total",
		Help:      "Recorded events that could not be appended to the event stream.",
	})

	lastBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "listener",
		Name:      "last_block",
		Help:      "Highest block number delivered to the workers.",
	})
)

func init() {
	prometheus.MustRegister(eventsTotal, skippedLogs, unrecordedEvents, holdFailures, streamFailures, lastBlock)
}

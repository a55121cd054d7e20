package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crmsync"

// Sync outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeNotFound    = "not_found"
	OutcomeNotEligible = "not_eligible"
	OutcomeInvalid     = "invalid"
	OutcomeMapping     = "mapping_error"
	OutcomeInProgress  = "in_progress"
	OutcomeFailed      = "failed"
)

var (
	syncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "attempts_total",
		Help:      "Order sync attempts by sync type and outcome.",
	}, []string{"sync_type", "outcome"})

	remoteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "request_duration_seconds",
		Help:      "CRM call latencies in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "result"})

	retriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retry",
		Name:      "scheduled_total",
		Help:      "Retries scheduled after a failed sync.",
	})

	permanentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retry",
		Name:      "permanent_failures_total",
		Help:      "Sync records that reached the permanently failed state.",
	})

	retriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retry",
		Name:      "processed_total",
		Help:      "Retries executed by the worker, by result.",
	}, []string{"result"})

	statusPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "status",
		Name:      "transitions_total",
		Help:      "Status reconciliation results by direction.",
	}, []string{"direction", "result"})

	recordsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "records",
		Name:      "by_status",
		Help:      "Sync records per sync status, refreshed by the worker.",
	}, []string{"status"})
)

func SyncAttempt(syncType, outcome string) {
	syncAttempts.WithLabelValues(syncType, outcome).Inc()
}

func RemoteCall(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	remoteDuration.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

func RetryScheduled() { retriesScheduled.Inc() }

func PermanentFailure() { permanentFailures.Inc() }

func RetryProcessed(ok bool) {
	if ok {
		retriesProcessed.WithLabelValues("success").Inc()
		return
	}
	retriesProcessed.WithLabelValues("failure").Inc()
}

func StatusTransition(direction, result string) {
	statusPushes.WithLabelValues(direction, result).Inc()
}

func SetRecordsByStatus(counts map[string]int64) {
	for st, n := range counts {
		recordsByStatus.WithLabelValues(st).Set(float64(n))
	}
}

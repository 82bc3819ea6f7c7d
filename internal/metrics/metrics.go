package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "contentpipe"

var (
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of tool invocations, labeled by outcome and error kind.",
		},
		[]string{"stage", "status", "kind"},
	)

	InvocationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Wall-clock duration of tool invocations (seconds).",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"stage", "status"},
	)

	WorkerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawns_total",
			Help:      "Total number of worker processes started.",
		},
		[]string{"stage"},
	)

	WorkersRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Worker processes currently running.",
		},
		[]string{"stage"},
	)

	WorkerTerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_terminations_total",
			Help:      "Worker processes stopped by the gateway, labeled by reason and final signal.",
		},
		[]string{"stage", "reason", "signal"},
	)

	LockWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "output_lock_wait_seconds",
			Help:      "Time spent waiting for an output directory lock (seconds).",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"stage"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"scope", "operation"},
	)

	CallbackDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_deliveries_total",
			Help:      "Result callback deliveries by final outcome.",
		},
		[]string{"stage", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		InvocationsTotal,
		InvocationDurationSeconds,
		WorkerSpawnsTotal,
		WorkersRunning,
		WorkerTerminationsTotal,
		LockWaitSeconds,
		RateLimitHitsTotal,
		CallbackDeliveriesTotal,
	)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AccrualsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsettle_accruals_total",
		Help: "Accrual records by outcome (recorded, existing, error)",
	}, []string{"outcome"})

	ExcessAccrued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsettle_excess_accrued_units_total",
		Help: "Excess interest recorded, in smallest asset units",
	}, []string{"market"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsettle_settlements_total",
		Help: "Obligation batches by final status",
	}, []string{"status"})

	TransferAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsettle_transfer_attempts_total",
		Help: "Transfer submission attempts by result",
	}, []string{"result"})

	TransferLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capsettle_transfer_seconds",
		Help:    "Time from submission to confirmation",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
	})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsettle_job_runs_total",
		Help: "Job runs by job and result",
	}, []string{"job", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capsettle_job_duration_seconds",
		Help:    "Job run duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"job"})

	RateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capsettle_rate_source_requests_total",
		Help: "Rate source lookups by result",
	}, []string{"result"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capsettle_http_latency_seconds",
		Help:    "Admin API latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "status"})
)

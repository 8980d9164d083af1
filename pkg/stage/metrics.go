package stage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_stage_deliveries_total",
		Help: "The total number of transport deliveries handled by a stage",
	}, []string{"service"})

	Forwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_stage_forwards_total",
		Help: "The total number of envelopes transmitted to the next stage",
	}, []string{"service", "destination"})

	Skipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_stage_forwards_skipped_total",
		Help: "The total number of forwards skipped for completed or frozen envelopes",
	}, []string{"service", "reason"})

	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_stage_completions_total",
		Help: "The total number of completion markers recorded",
	}, []string{"service"})

	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_stage_failures_total",
		Help: "The total number of envelopes failed by a stage",
	}, []string{"service"})

	ProcessErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_stage_process_errors_total",
		Help: "The total number of invocations that returned an error",
	}, []string{"service"})

	ProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fission_stage_processing_duration_seconds",
		Help:    "Time taken to process one delivery",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
)

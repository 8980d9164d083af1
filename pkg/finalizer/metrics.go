package finalizer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_finalizer_finalizations_total",
		Help: "The total number of envelopes finalized",
	}, []string{"service", "state"})

	DoubleFinalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_finalizer_double_finalizations_total",
		Help: "The total number of finalization attempts on already frozen envelopes",
	}, []string{"service"})

	TransmissionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_finalizer_transmission_failures_total",
		Help: "The total number of failed transmissions to handler endpoints",
	}, []string{"service", "endpoint"})

	Dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_finalizer_dropped_total",
		Help: "The total number of finalized envelopes with no handler endpoint",
	}, []string{"service", "state"})

	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_finalizer_failures_total",
		Help: "The total number of finalizations aborted by an unexpected error",
	}, []string{"service"})
)

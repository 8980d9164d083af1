package formatter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FormattersApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_formatter_applied_total",
		Help: "The total number of formatter applications that modified an envelope",
	}, []string{"service", "formatter"})

	FormatterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fission_formatter_failures_total",
		Help: "The total number of formatter invocations that failed",
	}, []string{"service", "formatter"})
)

package rollup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rollupPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slacctdb_rollup_passes_total",
		Help: "Total number of completed rollup passes per cluster and granularity.",
	}, []string{"cluster", "granularity"})

	rollupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slacctdb_rollup_failures_total",
		Help: "Total number of failed rollup passes per cluster.",
	}, []string{"cluster"})

	rollupSeconds = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "slacctdb_rollup_duration_seconds",
		Help: "Wall time spent in rollup passes per cluster.",
	}, []string{"cluster"})
)

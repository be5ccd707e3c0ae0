package autotune

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	benchmarkRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_autotune_benchmark_runs_total",
		Help: "Total number of autotune benchmarking runs (one per resolved key)",
	}, []string{"family"})

	disqualifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_autotune_disqualified_candidates_total",
		Help: "Candidates disqualified by compile or runtime failure during benchmarking",
	}, []string{"family"})

	benchmarkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_autotune_benchmark_duration_seconds",
		Help:    "Wall time of one full benchmarking run for a key",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
	}, []string{"family"})
)

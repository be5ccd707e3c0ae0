package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_dispatch_submissions_total",
		Help: "Total number of kernel submissions per device stream",
	}, []string{"device"})

	faultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_dispatch_faults_total",
		Help: "Total number of device-reported kernel faults",
	}, []string{"device"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_dispatch_sync_duration_seconds",
		Help:    "Time callers spend blocked in Sync waiting for the stream to drain",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"device"})

	poolHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_dispatch_pool_hits_total",
		Help: "Buffer pool acquisitions served from pooled buffers",
	}, []string{"device"})

	poolMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_dispatch_pool_misses_total",
		Help: "Buffer pool acquisitions that required a device allocation",
	}, []string{"device"})
)

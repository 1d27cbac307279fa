package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "channelaccess",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total job runs by job name and result",
		},
		[]string{"job", "result"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "channelaccess",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job run duration",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"job"},
	)

	kickedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "channelaccess",
			Subsystem: "jobs",
			Name:      "kicked_total",
			Help:      "Expired members removed from the channel by result",
		},
		[]string{"result"},
	)
)

func recordRun(job string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	jobRuns.WithLabelValues(job, result).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// runMetrics — счётчики и длительность запусков, по метке job.
type runMetrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newRunMetrics(reg prometheus.Registerer) *runMetrics {
	m := &runMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_job_runs_total",
			Help: "Background job runs (day close, notification sweep, db ping, school year rollover)",
		}, []string{"job"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_job_errors_total",
			Help: "Background job runs that returned an error or panicked",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "attendance_job_duration_seconds",
			Help:    "Background job run duration",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 60},
		}, []string{"job"}),
	}
	reg.MustRegister(m.runs, m.failures, m.duration)
	return m
}

var jobMetrics = newRunMetrics(prometheus.DefaultRegisterer)

func (m *runMetrics) observe(job string, took time.Duration, failed bool) {
	m.runs.WithLabelValues(job).Inc()
	m.duration.WithLabelValues(job).Observe(took.Seconds())
	if failed {
		m.failures.WithLabelValues(job).Inc()
	}
}

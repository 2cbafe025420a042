package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/interplex/internal/model"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interplex_scheduler_jobs_total",
			Help: "Total number of jobs that reached a terminal status.",
		},
		[]string{"policy", "status"},
	)

	runningJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "interplex_scheduler_running_jobs",
			Help: "Number of jobs currently running.",
		},
		[]string{"policy"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "interplex_scheduler_job_seconds",
			Help:    "Job run time from start to terminal status, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	liveSchedulers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "interplex_scheduler_live",
			Help: "Number of schedulers whose worker goroutines are alive.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(runningJobs)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(liveSchedulers)

	for _, p := range []string{"fifo", "parallel"} {
		for _, st := range []string{model.StatusFinished, model.StatusError, model.StatusCancelled} {
			jobsTotal.WithLabelValues(p, st)
		}
	}
}

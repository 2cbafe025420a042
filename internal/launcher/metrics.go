package launcher

import "github.com/prometheus/client_golang/prometheus"

// Launch outcome label values.
const (
	OutcomeStarted = "started"
	OutcomeReused  = "reused"
	OutcomeFailed  = "failed"
)

var (
	launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "interplex_launcher_launch_seconds",
			Help:    "Duration from launch request to worker ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"launcher"},
	)

	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interplex_launcher_launches_total",
			Help: "Total number of launch requests by outcome.",
		},
		[]string{"launcher", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(launchDuration)
	prometheus.MustRegister(launchesTotal)
}

// ObserveLaunch records one launch outcome. The duration is only observed
// for workers that were actually started.
func ObserveLaunch(launcher, outcome string, seconds float64) {
	launchesTotal.WithLabelValues(launcher, outcome).Inc()
	if outcome == OutcomeStarted {
		launchDuration.WithLabelValues(launcher).Observe(seconds)
	}
}

package coordinator

import "github.com/prometheus/client_golang/prometheus"

// Recovery outcome label values.
const (
	recoveredReattached = "reattached"
	recoveredDiscarded  = "discarded"
)

var (
	processTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interplex_coordinator_process_transitions_total",
			Help: "Worker process state transitions by target state.",
		},
		[]string{"state"},
	)

	liveProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "interplex_coordinator_live_processes",
			Help: "Number of tracked worker processes.",
		},
	)

	recoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interplex_coordinator_recovered_total",
			Help: "Recovery entries processed at startup by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(processTransitions)
	prometheus.MustRegister(liveProcesses)
	prometheus.MustRegister(recoveredTotal)
}

package kernel

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellkernel_executions_total",
			Help: "Cell executions by terminal status.",
		},
		[]string{"status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellkernel_execution_duration_seconds",
			Help:    "Cell execution duration in seconds, including package installation.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"status"},
	)

	runtimesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellkernel_runtimes_active",
			Help: "Number of live runtime instances.",
		},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(runtimesActive)
}

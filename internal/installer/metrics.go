package installer

import "github.com/prometheus/client_golang/prometheus"

var (
	packagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellkernel_installer_packages_total",
			Help: "Requested packages by install outcome.",
		},
		[]string{"outcome"},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellkernel_installer_batches_total",
			Help: "Network install batches by result.",
		},
		[]string{"result"},
	)

	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cellkernel_installer_batch_duration_seconds",
			Help:    "Duration of one network install batch.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(packagesTotal)
	prometheus.MustRegister(batchesTotal)
	prometheus.MustRegister(batchDuration)
}

func observeReport(r Report) {
	packagesTotal.WithLabelValues("skipped").Add(float64(len(r.Skipped)))
	packagesTotal.WithLabelValues("cached").Add(float64(len(r.Cached)))
	packagesTotal.WithLabelValues("installed").Add(float64(len(r.Installed) - len(r.Cached)))
	packagesTotal.WithLabelValues("failed").Add(float64(len(r.Failed)))
}

package wheelcache

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultOK    = "ok"
	resultError = "error"
)

var (
	lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellkernel_wheel_cache_lookups_total",
			Help: "Total number of wheel cache lookups by result.",
		},
		[]string{"backend", "result"},
	)

	writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellkernel_wheel_cache_writes_total",
			Help: "Total number of wheel cache writes by result.",
		},
		[]string{"backend", "result"},
	)

	writtenBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellkernel_wheel_cache_written_bytes_total",
			Help: "Total payload bytes written to the wheel cache.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(lookupsTotal)
	prometheus.MustRegister(writesTotal)
	prometheus.MustRegister(writtenBytes)
}

func observeLookup(backend string, hit bool) {
	if hit {
		lookupsTotal.WithLabelValues(backend, resultHit).Inc()
		return
	}
	lookupsTotal.WithLabelValues(backend, resultMiss).Inc()
}

func observeWrite(backend string, size int, err error) {
	if err != nil {
		writesTotal.WithLabelValues(backend, resultError).Inc()
		return
	}
	writesTotal.WithLabelValues(backend, resultOK).Inc()
	writtenBytes.WithLabelValues(backend).Add(float64(size))
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	unmatched = "unmatched"

	modeAsync = "async"
	modeWait  = "wait"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellkernel_http_requests_total",
			Help: "HTTP requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellkernel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Waited cells and streams are excluded.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	cellsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellkernel_cells_submitted_total",
			Help: "Cells submitted for execution, by whether the caller waited.",
		},
		[]string{"mode"},
	)

	kernelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellkernel_kernel_errors_total",
			Help: "Failed kernel operations by operation and cause.",
		},
		[]string{"op", "cause"},
	)

	activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cellkernel_output_streams_active",
		Help: "Open cell output streams.",
	})

	streamChunksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellkernel_output_stream_chunks_dropped_total",
		Help: "Output chunks not delivered to a stream reader that fell behind.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		cellsSubmitted,
		kernelErrors,
		activeStreams,
		streamChunksDropped,
	)
}

// metricsMiddleware counts every request by chi route pattern. Durations of
// long-lived requests would swamp the histogram, so streams and waited
// executions are only counted.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if ww.Header().Get("Content-Type") == "text/event-stream" || (r.Method == http.MethodPost && route == "/v1/cells/" && status == http.StatusOK) {
			return
		}
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

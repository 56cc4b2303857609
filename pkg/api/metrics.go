package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessiond_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		},
	)

	rateLimitRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessiond_http_rate_limit_rejects_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	panicRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessiond_http_panic_recoveries_total",
			Help: "Total number of panics recovered in HTTP handlers",
		},
	)
)

// metricsMiddleware tracks request rate, errors and duration. The path
// label uses the route pattern, not the raw URL, to keep cardinality
// bounded.
func (s *Server) metricsMiddleware(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := newResponseWriter(w)
		next.ServeHTTP(wrapped, r)

		httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(wrapped.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	}
}

// Package metrics exposes Prometheus collectors for the gateway.
// Collectors register on import; there is no init ordering to get wrong.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_fetches_total",
			Help: "Total number of fetch attempts, labeled by render mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_fetch_duration_seconds",
			Help:    "Histogram of end-to-end fetch durations, labeled by render mode.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	quotaDenialsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_quota_denials_total",
			Help: "Total number of requests denied by the daily quota.",
		},
	)

	admissionRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admission_rejects_total",
			Help: "Total number of target URLs rejected by admission, labeled by reason.",
		},
		[]string{"reason"},
	)

	browserSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_browser_sessions_active",
			Help: "Number of browser sessions currently rendering a page.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(mode, outcome string, duration time.Duration) {
	fetchesTotal.WithLabelValues(mode, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveQuotaDenial increments the quota denial counter.
func ObserveQuotaDenial() {
	quotaDenialsTotal.Inc()
}

// ObserveAdmissionReject increments the rejection counter for a reason.
func ObserveAdmissionReject(reason string) {
	admissionRejectsTotal.WithLabelValues(reason).Inc()
}

// IncBrowserSessions increments the active browser session gauge.
func IncBrowserSessions() {
	browserSessionsActive.Inc()
}

// DecBrowserSessions decrements the active browser session gauge.
func DecBrowserSessions() {
	browserSessionsActive.Dec()
}

// Middleware records request counts and latencies per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

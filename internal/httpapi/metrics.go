package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeplane",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method and status.",
	}, []string{"method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeplane",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	// SessionsByState is updated by the orchestrator wiring on status
	// changes; exported for cmd to register hooks against.
	SessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codeplane",
		Subsystem: "sessions",
		Name:      "by_state",
		Help:      "Sessions currently in each state.",
	}, []string{"state"})

	// RouterDecisions counts routing outcomes.
	RouterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeplane",
		Subsystem: "router",
		Name:      "decisions_total",
		Help:      "Routing decisions by outcome.",
	}, []string{"outcome"})
)

// metricsMiddleware records request counts and latency.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		httpRequests.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

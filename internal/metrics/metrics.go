package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftpulse_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shiftpulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	pushDispatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftpulse_push_dispatches_total",
			Help: "Total notification events dispatched",
		},
	)

	pushSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftpulse_push_sent_total",
			Help: "Per-device delivery attempts by result",
		},
		[]string{"result"},
	)

	escalationsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftpulse_escalations_fired_total",
			Help: "Escalation alerts fired by tier",
		},
		[]string{"tier"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftpulse_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftpulse_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"shop_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one notification event fan-out
func RecordDispatch() {
	pushDispatches.Inc()
}

// RecordPushSent records a per-device delivery attempt
func RecordPushSent(result string) {
	pushSent.WithLabelValues(result).Inc()
}

// RecordEscalationFired records one escalation alert by tier
func RecordEscalationFired(tier string) {
	escalationsFired.WithLabelValues(tier).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(shopID string) {
	rateLimitRejections.WithLabelValues(shopID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

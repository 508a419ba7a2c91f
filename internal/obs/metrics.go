package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all handlers.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Access-control metrics emitted by the auth pipeline.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome (success, invalid_credentials, locked, mfa_required, mfa_failed).",
		},
		[]string{"outcome"},
	)

	rateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_rate_limit_denials_total",
			Help: "Requests denied by the rate limiter, per dimension.",
		},
		[]string{"dimension"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Principals locked by the anomaly detector.",
	})

	passwordHashes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_password_hash_operations_total",
		Help: "Password hash derivations and verifications performed.",
	})

	sessionStoreDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auth_session_store_degraded",
		Help: "1 when the session store runs on the in-process fallback.",
	})

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_audit_events_dropped_total",
		Help: "Audit events dropped because the sink buffer was full.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, rateLimitDenials, lockoutsTotal,
		passwordHashes, sessionStoreDegraded, auditDropped,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountLogin records a login attempt outcome.
func CountLogin(outcome string) { loginsTotal.WithLabelValues(outcome).Inc() }

// CountRateLimitDenial records a limiter denial for the given dimension.
func CountRateLimitDenial(dimension string) { rateLimitDenials.WithLabelValues(dimension).Inc() }

// CountLockout records a principal lockout.
func CountLockout() { lockoutsTotal.Inc() }

// CountPasswordHash records one memory-hard hash computation.
func CountPasswordHash() { passwordHashes.Inc() }

// SetSessionStoreDegraded reflects the fallback state of the session store.
func SetSessionStoreDegraded(degraded bool) {
	if degraded {
		sessionStoreDegraded.Set(1)
		return
	}
	sessionStoreDegraded.Set(0)
}

// CountAuditDropped records an audit event lost to backpressure.
func CountAuditDropped() { auditDropped.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metrics stay low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if strings.HasPrefix(path, "/auth/sessions/") {
		return "/auth/sessions/:id"
	}
	return path
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

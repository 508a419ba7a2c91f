package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/ids"
	"fxdesk.org/internal/obs"
	"fxdesk.org/internal/ratelimit"
)

// RequestID tags every request with an id for log and audit correlation.
// An inbound X-Request-Id from a client is ignored; the id is always
// minted here.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := "req_" + ids.New()
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), rid)))
	})
}

// SecurityHeaders: hardening for an API-only surface.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// CORS: locked down to an explicit origin allowlist. Credentials are
// allowed because browser clients carry the session cookies.
func CORS(allowed []string, next http.Handler) http.Handler {
	const (
		allowedMethods = "GET,POST,DELETE,OPTIONS"
		allowedHeaders = "Content-Type,Authorization,X-CSRF-Token,X-Tenant-Id,X-Refresh-Token"
	)
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if _, ok := set[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.Header().Set("Access-Control-Max-Age", "600")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging emits one JSON line per completed request.
func (a *API) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		obs.LogRequest(map[string]any{
			"ts":          time.Now().UTC().Format(time.RFC3339Nano),
			"level":       "info",
			"msg":         "request",
			"request_id":  audit.RequestIDFromContext(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.code,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          a.clientIP(r),
		})
	})
}

// statusWriter captures the response code for the request log.
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

// flaggedBuckets throttles IPs the anomaly detector has flagged. One
// token-bucket per flagged IP, reaped after idle TTL.
type flaggedBuckets struct {
	mu      sync.Mutex
	buckets map[string]*flaggedBucket
	stop    chan struct{}
}

type flaggedBucket struct {
	lim *rate.Limiter
	ts  time.Time
}

const flaggedIdleTTL = 5 * time.Minute

func newFlaggedBuckets() *flaggedBuckets {
	fb := &flaggedBuckets{
		buckets: make(map[string]*flaggedBucket),
		stop:    make(chan struct{}),
	}
	go fb.reap()
	return fb
}

func (fb *flaggedBuckets) reap() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
			now := time.Now()
			fb.mu.Lock()
			for k, b := range fb.buckets {
				if now.Sub(b.ts) > flaggedIdleTTL {
					delete(fb.buckets, k)
				}
			}
			fb.mu.Unlock()
		}
	}
}

func (fb *flaggedBuckets) close() {
	close(fb.stop)
}

func (fb *flaggedBuckets) allow(ip string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	b, ok := fb.buckets[ip]
	if !ok {
		b = &flaggedBucket{lim: rate.NewLimiter(rate.Limit(1), 3)}
		fb.buckets[ip] = b
	}
	b.ts = time.Now()
	return b.lim.Allow()
}

// ipGate is the outermost admission control: flagged IPs get a reduced
// token-bucket ceiling, and unauthenticated traffic is counted against
// the per-IP fixed window. Authenticated traffic is counted per
// principal once the token is resolved.
func (a *API) ipGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ip := a.clientIP(r)

		if a.cfg.Detector != nil && a.cfg.Detector.IPFlagged(r.Context(), ip) {
			if !a.flagged.allow(ip) {
				a.audit(r.Context(), audit.Event{
					EventType: "ratelimit.flagged_ip_denied",
					Severity:  audit.SeverityHigh,
					IP:        ip,
					Resource:  "ratelimit",
					Action:    "deny",
					Outcome:   audit.OutcomeFailure,
				})
				writeRateLimited(w, r, time.Second)
				return
			}
		}

		if r.Header.Get("Authorization") == "" && !hasSessionCookie(r) {
			d, err := a.cfg.Limiter.CheckAndIncrement(r.Context(), ratelimit.DimGeneralByIP, ip)
			if err != nil {
				handleAuthError(w, r, auth.ErrSessionStoreDegraded)
				return
			}
			if !d.Allowed {
				writeRateLimited(w, r, d.RetryAfter)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func hasSessionCookie(r *http.Request) bool {
	_, err := r.Cookie(accessCookieName)
	return err == nil
}

// clientIP resolves the caller address. X-Forwarded-For is honoured only
// when the direct peer is a trusted proxy.
func (a *API) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil || !a.trustedProxy(peer) {
		return host
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	parts := strings.Split(xff, ",")
	// Walk right to left past trusted hops; the first untrusted address
	// is the client.
	for i := len(parts) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(parts[i])
		ip := net.ParseIP(candidate)
		if ip == nil {
			return host
		}
		if !a.trustedProxy(ip) {
			return candidate
		}
	}
	return strings.TrimSpace(parts[0])
}

func (a *API) trustedProxy(ip net.IP) bool {
	for _, cidr := range a.cfg.TrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

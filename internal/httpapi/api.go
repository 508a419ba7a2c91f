// Package httpapi is the HTTP surface of the authentication service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fxdesk.org/internal/anomaly"
	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/csrf"
	"fxdesk.org/internal/mfa"
	"fxdesk.org/internal/obs"
	"fxdesk.org/internal/ratelimit"
	"fxdesk.org/internal/tenant"
	"fxdesk.org/internal/token"
)

// ReadyProbe checks backend readiness for /readyz.
type ReadyProbe struct {
	Ping     func(ctx context.Context) error
	Degraded func() bool
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Degraded != nil && rp.Degraded() {
		return auth.ErrSessionStoreDegraded
	}
	if rp.Ping == nil {
		return nil
	}
	return rp.Ping(ctx)
}

// Config carries the API's collaborators.
type Config struct {
	Principals auth.PrincipalStore
	Tenants    *tenant.Resolver
	Tokens     *token.Service
	Hasher     *auth.Hasher
	MFA        *mfa.Service
	Limiter    *ratelimit.Limiter
	Detector   *anomaly.Detector
	CSRF       *csrf.Guard
	Sink       audit.Sink
	Tap        *audit.Tap

	ReadyProbe     ReadyProbe
	TrustedProxies []*net.IPNet
	AllowedOrigins []string
	Version        string
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	cfg     Config
	now     func() time.Time
	flagged *flaggedBuckets
}

// New wires the routes.
func New(cfg Config) *API {
	a := &API{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		now:     time.Now,
		flagged: newFlaggedBuckets(),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/auth/logout", a.withAuth(a.handleLogout))
	a.mux.HandleFunc("/auth/me", a.withAuth(a.handleMe))
	a.mux.HandleFunc("/auth/password", a.withAuth(a.handleChangePassword))
	a.mux.HandleFunc("/auth/csrf", a.withAuth(a.handleCSRFToken))
	a.mux.HandleFunc("/auth/sessions", a.withAuth(a.handleSessions))
	a.mux.HandleFunc("/auth/sessions/", a.withAuth(a.handleSessionByID))
	a.mux.HandleFunc("/auth/mfa/setup", a.withAuth(a.handleMFASetup))
	a.mux.HandleFunc("/auth/mfa/verify", a.withAuth(a.handleMFAVerify))
	a.mux.HandleFunc("/auth/mfa/disable", a.withAuth(a.handleMFADisable))
	a.mux.HandleFunc("/auth/mfa/backup-codes", a.withAuth(a.handleMFABackupCodes))
	a.mux.HandleFunc("/auth/events", a.withAuth(a.handleAuditStream))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.ipGate(h)
	h = a.Logging(h)
	h = CORS(a.cfg.AllowedOrigins, h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// Close stops background housekeeping started by New.
func (a *API) Close() {
	a.flagged.close()
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fxdesk-auth",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.ReadyProbe.Check(r.Context()); err != nil {
		if errors.Is(err, auth.ErrSessionStoreDegraded) {
			w.Header().Set("Retry-After", "5")
			writeCodedError(w, r, http.StatusServiceUnavailable, auth.ErrSessionStoreDegraded)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeCodedError renders a taxonomy error with its stable code string.
func writeCodedError(w http.ResponseWriter, r *http.Request, status int, err error) {
	payload := map[string]any{
		"error": err.Error(),
	}
	if code := auth.CodeOf(err); code != "" {
		payload["code"] = string(code)
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// handleAuthError maps taxonomy errors onto HTTP statuses.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch auth.CodeOf(err) {
	case auth.CodeInvalidCredentials, auth.CodeInvalidMFA, auth.CodeTokenExpired,
		auth.CodeTokenRevoked, auth.CodeInvalidToken, auth.CodeInvalidRefreshToken,
		auth.CodeRefreshReuse:
		writeCodedError(w, r, http.StatusUnauthorized, err)
	case auth.CodeMFASetupRequired, auth.CodeAccountLocked, auth.CodeAccountDeactivated,
		auth.CodeTenantInactive, auth.CodeInsufficientPermissions, auth.CodeInsufficientRole,
		auth.CodeTenantAccessDenied, auth.CodeCSRFMissing, auth.CodeCSRFInvalid:
		writeCodedError(w, r, http.StatusForbidden, err)
	case auth.CodeWeakPassword:
		writeCodedError(w, r, http.StatusBadRequest, err)
	case auth.CodeRateLimited:
		writeCodedError(w, r, http.StatusTooManyRequests, err)
	case auth.CodeSessionStoreDegraded:
		w.Header().Set("Retry-After", "5")
		writeCodedError(w, r, http.StatusServiceUnavailable, err)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// writeRateLimited renders a 429 with the window reset in Retry-After.
func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeCodedError(w, r, http.StatusTooManyRequests, auth.ErrRateLimited)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func (a *API) audit(ctx context.Context, e audit.Event) {
	if a.cfg.Sink == nil {
		return
	}
	a.cfg.Sink.Emit(ctx, e)
}

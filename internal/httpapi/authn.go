package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/csrf"
	"fxdesk.org/internal/ratelimit"
	"fxdesk.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	accessCookieName  = "accessToken"
	refreshCookieName = "refreshToken"

	tenantHeader  = "X-Tenant-Id"
	refreshHeader = "X-Refresh-Token"
)

type claimsContextKey struct{}

func contextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok
}

// withAuth authenticates the request, applies the per-principal quota,
// resolves the target tenant, and enforces CSRF for cookie-carried
// credentials. Handlers behind it always find a principal in the context.
func (a *API) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, fromCookie, err := extractToken(r)
		if err != nil {
			writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidToken)
			return
		}

		claims, err := a.cfg.Tokens.Verify(r.Context(), raw, token.KindAccess)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}

		p, err := a.cfg.Principals.Find(r.Context(), claims.Subject)
		if errors.Is(err, auth.ErrNotFound) {
			writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidToken)
			return
		}
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		if p.Status != auth.StatusActive {
			writeCodedError(w, r, http.StatusForbidden, auth.ErrAccountDeactivated)
			return
		}
		if p.Locked(a.now().UTC()) {
			writeCodedError(w, r, http.StatusForbidden, auth.ErrAccountLocked)
			return
		}

		d, err := a.cfg.Limiter.CheckCeiling(r.Context(), ratelimit.DimGeneralByPrincipal, p.ID, int64(p.Role.GeneralRateCeiling()))
		if err != nil {
			handleAuthError(w, r, auth.ErrSessionStoreDegraded)
			return
		}
		if !d.Allowed {
			writeRateLimited(w, r, d.RetryAfter)
			return
		}

		if target := strings.TrimSpace(r.Header.Get(tenantHeader)); target != "" {
			decision, err := a.cfg.Tenants.Resolve(r.Context(), p, target)
			if err != nil {
				handleAuthError(w, r, err)
				return
			}
			if !decision.Allowed {
				writeCodedError(w, r, http.StatusForbidden, auth.ErrTenantAccessDenied)
				return
			}
		}

		// Cookie-borne credentials ride along with every browser request,
		// so unsafe methods must prove intent with the synchroniser token.
		// Enforced whenever a session cookie is present, even alongside a
		// bearer header; pure API callers with no cookies are exempt.
		if _, cerr := r.Cookie(accessCookieName); (fromCookie || cerr == nil) && !safeMethod(r.Method) {
			if err := a.cfg.CSRF.Check(r.Context(), claims.SessionID, r.Header.Get(csrf.HeaderName)); err != nil {
				handleAuthError(w, r, err)
				return
			}
		}

		ctx := auth.ContextWithPrincipal(r.Context(), p)
		ctx = auth.ContextWithToken(ctx, raw)
		ctx = contextWithClaims(ctx, claims)
		next(w, r.WithContext(ctx))
	}
}

// requireRole guards a handler body with a role assertion.
func (a *API) requireRole(w http.ResponseWriter, r *http.Request, assertion auth.Assertion) (*auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidToken)
		return nil, false
	}
	if err := auth.Authorize(p, assertion); err != nil {
		handleAuthError(w, r, err)
		return nil, false
	}
	return p, true
}

func extractToken(r *http.Request) (raw string, fromCookie bool, err error) {
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if header != "" {
		if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
			return "", false, errors.New("invalid authorization scheme")
		}
		raw = strings.TrimSpace(header[len(bearer):])
		if raw == "" {
			return "", false, errors.New("missing bearer token")
		}
		return raw, false, nil
	}
	cookie, cerr := r.Cookie(accessCookieName)
	if cerr != nil || cookie.Value == "" {
		return "", false, errors.New("missing bearer token")
	}
	return cookie.Value, true, nil
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

package httpapi

import (
	"net/http"
	"time"

	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/ratelimit"
)

// mfaFreshness is how recently the session's second factor must have been
// verified before a sensitive operation is admitted without a new code.
const mfaFreshness = 5 * time.Minute

type mfaCodeRequest struct {
	Code string `json:"code"`
}

type mfaDisableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

func (a *API) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())

	enrollment, err := a.cfg.MFA.Setup(r.Context(), p)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())

	if !a.allowMFAAttempt(w, r, p.ID) {
		return
	}
	var req mfaCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.cfg.MFA.Enable(r.Context(), p, req.Code); err != nil {
		handleAuthError(w, r, err)
		return
	}
	// Enabling verified a live code, so the session counts as freshly
	// MFA-verified from here.
	if claims, ok := claimsFromContext(r.Context()); ok {
		_ = a.cfg.Tokens.MarkMFAVerified(r.Context(), claims.SessionID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "mfa_enabled"})
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())

	if !a.allowSensitiveRate(w, r, p.ID) {
		return
	}
	var req mfaDisableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if p.Role.RequiresMFA() {
		// Admins cannot drop their second factor, only rotate it.
		writeCodedError(w, r, http.StatusForbidden, auth.ErrInsufficientRole)
		return
	}
	ok, err := a.cfg.Hasher.Verify(req.Password, p.PasswordHash)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidCredentials)
		return
	}
	// Disable verifies the code itself, which doubles as the fresh
	// second-factor proof sensitive operations demand.
	if err := a.cfg.MFA.Disable(r.Context(), p, req.Code); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "mfa_disabled"})
}

func (a *API) handleMFABackupCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())

	var req mfaCodeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if !a.allowSensitiveOp(w, r, p, req.Code) {
		return
	}
	codes, err := a.cfg.MFA.RegenerateBackupCodes(r.Context(), p)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

func (a *API) allowMFAAttempt(w http.ResponseWriter, r *http.Request, principalID string) bool {
	d, err := a.cfg.Limiter.CheckAndIncrement(r.Context(), ratelimit.DimMFAByPrincipal, principalID)
	if err != nil {
		handleAuthError(w, r, auth.ErrSessionStoreDegraded)
		return false
	}
	if !d.Allowed {
		writeRateLimited(w, r, d.RetryAfter)
		return false
	}
	return true
}

// allowSensitiveRate admits the request against the sensitive-operation
// bucket only.
func (a *API) allowSensitiveRate(w http.ResponseWriter, r *http.Request, principalID string) bool {
	d, err := a.cfg.Limiter.CheckAndIncrement(r.Context(), ratelimit.DimSensitiveOpByPrincipal, principalID)
	if err != nil {
		handleAuthError(w, r, auth.ErrSessionStoreDegraded)
		return false
	}
	if !d.Allowed {
		writeRateLimited(w, r, d.RetryAfter)
		return false
	}
	return true
}

// allowSensitiveOp admits a sensitive operation: the rate bucket must have
// room and, for MFA-enabled principals, the session's second factor must
// have been verified within the freshness window. A code supplied with the
// request re-verifies a stale session and renews the stamp.
func (a *API) allowSensitiveOp(w http.ResponseWriter, r *http.Request, p *auth.Principal, code string) bool {
	if !a.allowSensitiveRate(w, r, p.ID) {
		return false
	}
	if !p.MFAEnabled {
		return true
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidToken)
		return false
	}
	rec, err := a.cfg.Tokens.Session(r.Context(), claims.SessionID)
	if err != nil {
		handleAuthError(w, r, err)
		return false
	}
	now := a.now().UTC()
	if rec.MFAVerified && now.Sub(rec.MFAVerifiedAt) <= mfaFreshness {
		return true
	}
	if code == "" {
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidMFA)
		return false
	}
	if err := a.cfg.MFA.VerifyTOTP(r.Context(), p, code); err != nil {
		if berr := a.cfg.MFA.VerifyBackupCode(r.Context(), p, code); berr != nil {
			writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidMFA)
			return false
		}
	}
	if err := a.cfg.Tokens.MarkMFAVerified(r.Context(), claims.SessionID); err != nil {
		handleAuthError(w, r, err)
		return false
	}
	return true
}

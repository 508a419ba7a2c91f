package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/csrf"
	"fxdesk.org/internal/obs"
	"fxdesk.org/internal/ratelimit"
	"fxdesk.org/internal/token"
)

type loginRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	ChallengeID string `json:"challenge_id,omitempty"`
	MFACode     string `json:"mfa_code,omitempty"`
}

type loginResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresAt    time.Time       `json:"expires_at"`
	SessionID    string          `json:"session_id"`
	User         *auth.Principal `json:"user,omitempty"`
}

type mfaChallengeResponse struct {
	MFARequired bool   `json:"requires_mfa"`
	ChallengeID string `json:"challenge_id"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if req.ChallengeID != "" {
		a.finishMFALogin(w, r, req)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	ip := a.clientIP(r)

	ipDecision, err := a.cfg.Limiter.CheckAndIncrement(r.Context(), ratelimit.DimLoginByIP, ip)
	if err != nil {
		handleAuthError(w, r, auth.ErrSessionStoreDegraded)
		return
	}
	if !ipDecision.Allowed {
		writeRateLimited(w, r, ipDecision.RetryAfter)
		return
	}
	emailDecision, err := a.cfg.Limiter.CheckAndIncrement(r.Context(), ratelimit.DimLoginByEmail, email)
	if err != nil {
		handleAuthError(w, r, auth.ErrSessionStoreDegraded)
		return
	}
	if !emailDecision.Allowed {
		// A locked account keeps answering ACCOUNT_LOCKED even after its
		// email window is exhausted. No hash is computed on this path.
		if p, ferr := a.cfg.Principals.FindByEmail(r.Context(), email); ferr == nil && p.Locked(a.now().UTC()) {
			obs.CountLogin("failure")
			a.auditLogin(r, p.ID, email, ip, audit.OutcomeFailure, "account locked")
			writeCodedError(w, r, http.StatusUnauthorized, auth.ErrAccountLocked)
			return
		}
		writeRateLimited(w, r, emailDecision.RetryAfter)
		return
	}

	p, err := a.cfg.Principals.FindByEmail(r.Context(), email)
	if errors.Is(err, auth.ErrNotFound) {
		obs.CountLogin("failure")
		a.auditLogin(r, "", email, ip, audit.OutcomeFailure, "unknown email")
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidCredentials)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	// Lockout wins over everything, including a correct password.
	if p.Locked(a.now().UTC()) {
		obs.CountLogin("failure")
		a.auditLogin(r, p.ID, email, ip, audit.OutcomeFailure, "account locked")
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrAccountLocked)
		return
	}
	if p.Status != auth.StatusActive {
		a.auditLogin(r, p.ID, email, ip, audit.OutcomeFailure, "account deactivated")
		writeCodedError(w, r, http.StatusForbidden, auth.ErrAccountDeactivated)
		return
	}

	ok, err := a.cfg.Hasher.Verify(req.Password, p.PasswordHash)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		obs.CountLogin("failure")
		_ = a.cfg.Detector.FailedLogin(r.Context(), p.ID, ip, emailDecision.Remaining == 0)
		a.auditLogin(r, p.ID, email, ip, audit.OutcomeFailure, "bad password")
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidCredentials)
		return
	}

	// Only failed logins count against the email bucket.
	_ = a.cfg.Limiter.Forgive(r.Context(), ratelimit.DimLoginByEmail, email)

	if err := a.checkTenantActive(r, p); err != nil {
		a.auditLogin(r, p.ID, email, ip, audit.OutcomeFailure, "tenant inactive")
		handleAuthError(w, r, err)
		return
	}

	if p.MFAEnabled {
		// A code sent with the credentials completes login in one round
		// trip; otherwise a challenge is opened.
		if req.MFACode != "" {
			d, err := a.cfg.Limiter.CheckAndIncrement(r.Context(), ratelimit.DimMFAByPrincipal, p.ID)
			if err != nil {
				handleAuthError(w, r, auth.ErrSessionStoreDegraded)
				return
			}
			if !d.Allowed {
				writeRateLimited(w, r, d.RetryAfter)
				return
			}
			if err := a.cfg.MFA.VerifyTOTP(r.Context(), p, req.MFACode); err != nil {
				if berr := a.cfg.MFA.VerifyBackupCode(r.Context(), p, req.MFACode); berr != nil {
					obs.CountLogin("failure")
					a.auditLogin(r, p.ID, email, ip, audit.OutcomeFailure, "bad mfa code")
					writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidMFA)
					return
				}
			}
			a.issueSession(w, r, p, ip, true)
			return
		}
		challengeID, err := a.cfg.MFA.CreateChallenge(r.Context(), p)
		if err != nil {
			handleAuthError(w, r, auth.ErrSessionStoreDegraded)
			return
		}
		writeJSON(w, http.StatusOK, mfaChallengeResponse{MFARequired: true, ChallengeID: challengeID})
		return
	}
	if p.Role.RequiresMFA() {
		a.auditLogin(r, p.ID, email, ip, audit.OutcomeFailure, "mfa setup required")
		writeCodedError(w, r, http.StatusForbidden, auth.ErrMFASetupRequired)
		return
	}

	a.issueSession(w, r, p, ip, false)
}

// finishMFALogin is the second half of the login state machine: the
// password already checked out and opened a challenge.
func (a *API) finishMFALogin(w http.ResponseWriter, r *http.Request, req loginRequest) {
	if req.MFACode == "" {
		writeError(w, r, http.StatusBadRequest, "mfa_code is required")
		return
	}
	ip := a.clientIP(r)

	principalID, err := a.cfg.MFA.ChallengePrincipal(r.Context(), req.ChallengeID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	d, err := a.cfg.Limiter.CheckAndIncrement(r.Context(), ratelimit.DimMFAByPrincipal, principalID)
	if err != nil {
		handleAuthError(w, r, auth.ErrSessionStoreDegraded)
		return
	}
	if !d.Allowed {
		writeRateLimited(w, r, d.RetryAfter)
		return
	}

	p, err := a.cfg.Principals.Find(r.Context(), principalID)
	if err != nil {
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidMFA)
		return
	}
	if p.Locked(a.now().UTC()) {
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrAccountLocked)
		return
	}

	if err := a.cfg.MFA.VerifyTOTP(r.Context(), p, req.MFACode); err != nil {
		if berr := a.cfg.MFA.VerifyBackupCode(r.Context(), p, req.MFACode); berr != nil {
			obs.CountLogin("failure")
			a.auditLogin(r, p.ID, p.Email, ip, audit.OutcomeFailure, "bad mfa code")
			writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidMFA)
			return
		}
	}
	if _, err := a.cfg.MFA.RedeemChallenge(r.Context(), req.ChallengeID); err != nil {
		handleAuthError(w, r, err)
		return
	}

	a.issueSession(w, r, p, ip, true)
}

// issueSession finishes a successful login: session, cookies, tokens.
func (a *API) issueSession(w http.ResponseWriter, r *http.Request, p *auth.Principal, ip string, mfaVerified bool) {
	if err := a.cfg.Detector.SuccessfulLogin(r.Context(), p.ID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	pair, rec, err := a.cfg.Tokens.StartSession(r.Context(), p, ip, r.UserAgent(), mfaVerified)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	csrfToken, err := a.cfg.CSRF.Issue(r.Context(), rec.ID)
	if err != nil {
		handleAuthError(w, r, auth.ErrSessionStoreDegraded)
		return
	}

	obs.CountLogin("success")
	a.auditLogin(r, p.ID, p.Email, ip, audit.OutcomeSuccess, "")

	a.setSessionCookies(w, pair)
	a.setCSRFCookie(w, csrfToken)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExpiresAt,
		SessionID:    rec.ID,
		User:         p,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ip := a.clientIP(r)

	d, err := a.cfg.Limiter.CheckAndIncrement(r.Context(), ratelimit.DimRefreshByIP, ip)
	if err != nil {
		handleAuthError(w, r, auth.ErrSessionStoreDegraded)
		return
	}
	if !d.Allowed {
		writeRateLimited(w, r, d.RetryAfter)
		return
	}

	raw := strings.TrimSpace(r.Header.Get(refreshHeader))
	if raw == "" {
		if cookie, err := r.Cookie(refreshCookieName); err == nil {
			raw = cookie.Value
		}
	}
	if raw == "" {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		raw = req.RefreshToken
	}
	if raw == "" {
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidRefreshToken)
		return
	}

	claims, err := a.cfg.Tokens.Claims(raw)
	if err != nil {
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidRefreshToken)
		return
	}
	p, err := a.cfg.Principals.Find(r.Context(), claims.Subject)
	if err != nil {
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidRefreshToken)
		return
	}

	pair, err := a.cfg.Tokens.Rotate(r.Context(), p, raw)
	if err != nil {
		if auth.CodeOf(err) == auth.CodeRefreshReuse {
			a.clearSessionCookies(w)
		}
		handleAuthError(w, r, err)
		return
	}

	a.setSessionCookies(w, pair)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExpiresAt,
		SessionID:    pair.SessionID,
		User:         p,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	claims, _ := claimsFromContext(r.Context())

	if err := a.cfg.Tokens.RevokeSession(r.Context(), claims.SessionID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = a.cfg.CSRF.Drop(r.Context(), claims.SessionID)

	a.audit(r.Context(), audit.Event{
		EventType:   "auth.logout",
		PrincipalID: p.ID,
		TenantID:    p.TenantID,
		IP:          a.clientIP(r),
		Resource:    "session",
		Action:      "logout",
		Outcome:     audit.OutcomeSuccess,
		Details:     map[string]any{"session_id": claims.SessionID},
	})

	a.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, p)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	claims, _ := claimsFromContext(r.Context())

	if !a.allowSensitiveRate(w, r, p.ID) {
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := a.cfg.Hasher.Verify(req.CurrentPassword, p.PasswordHash)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeCodedError(w, r, http.StatusUnauthorized, auth.ErrInvalidCredentials)
		return
	}
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	hash, err := a.cfg.Hasher.Hash(req.NewPassword)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	p.PasswordHash = hash
	p.LastPasswordChangeAt = a.now().UTC()
	if err := a.cfg.Principals.Update(r.Context(), p); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	// A password change invalidates every other session.
	if err := a.cfg.Tokens.RevokeAllSessions(r.Context(), p.ID, claims.SessionID); err != nil {
		handleAuthError(w, r, err)
		return
	}

	a.audit(r.Context(), audit.Event{
		EventType:   "auth.password.change",
		PrincipalID: p.ID,
		TenantID:    p.TenantID,
		IP:          a.clientIP(r),
		Resource:    "principal",
		Action:      "change_password",
		Outcome:     audit.OutcomeSuccess,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

func (a *API) checkTenantActive(r *http.Request, p *auth.Principal) error {
	if p.TenantID == "" || p.Role == auth.RoleSuperAdmin {
		return nil
	}
	return a.cfg.Tenants.CheckActive(r.Context(), p.TenantID)
}

func (a *API) auditLogin(r *http.Request, principalID, email, ip string, outcome audit.Outcome, reason string) {
	details := map[string]any{"email": email}
	if reason != "" {
		details["reason"] = reason
	}
	severity := audit.SeverityInfo
	if outcome == audit.OutcomeFailure {
		severity = audit.SeverityHigh
	}
	a.audit(r.Context(), audit.Event{
		EventType:   "auth.login",
		Severity:    severity,
		PrincipalID: principalID,
		IP:          ip,
		UserAgent:   r.UserAgent(),
		Resource:    "session",
		Action:      "login",
		Outcome:     outcome,
		Details:     details,
	})
}

// --- cookies ---

func (a *API) setSessionCookies(w http.ResponseWriter, pair token.Pair) {
	now := a.now().UTC()
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(pair.AccessExpiresAt.Sub(now) / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/auth",
		MaxAge:   int(pair.RefreshExpiresAt.Sub(now) / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) setCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrf.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.cfg.CSRF.Lifetime() / time.Second),
		HttpOnly: false,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range []http.Cookie{
		{Name: accessCookieName, Path: "/"},
		{Name: refreshCookieName, Path: "/auth"},
		{Name: csrf.CookieName, Path: "/"},
	} {
		c.Value = ""
		c.MaxAge = -1
		c.HttpOnly = c.Name != csrf.CookieName
		c.Secure = true
		c.SameSite = http.SameSiteStrictMode
		http.SetCookie(w, &c)
	}
}

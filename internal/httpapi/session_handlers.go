package httpapi

import (
	"net/http"
	"strings"

	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/auth"
)

type sessionSummary struct {
	ID           string `json:"id"`
	IP           string `json:"ip"`
	UserAgent    string `json:"user_agent"`
	CreatedAt    string `json:"created_at"`
	LastAccessAt string `json:"last_access_at"`
	Current      bool   `json:"current"`
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listSessions(w, r)
	case http.MethodDelete:
		a.revokeOtherSessions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	claims, _ := claimsFromContext(r.Context())

	records, err := a.cfg.Tokens.Sessions(r.Context(), p.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	out := make([]sessionSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, sessionSummary{
			ID:           rec.ID,
			IP:           rec.IP,
			UserAgent:    rec.UserAgent,
			CreatedAt:    rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			LastAccessAt: rec.LastAccessAt.Format("2006-01-02T15:04:05Z07:00"),
			Current:      rec.ID == claims.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// revokeOtherSessions kills every session except the caller's current one.
func (a *API) revokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	claims, _ := claimsFromContext(r.Context())

	if err := a.cfg.Tokens.RevokeAllSessions(r.Context(), p.ID, claims.SessionID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.Event{
		EventType:   "auth.sessions.revoke_others",
		PrincipalID: p.ID,
		TenantID:    p.TenantID,
		Resource:    "session",
		Action:      "revoke_all",
		Outcome:     audit.OutcomeSuccess,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "sessions_revoked"})
}

func (a *API) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/auth/sessions/"), "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	// A principal may only revoke their own sessions.
	records, err := a.cfg.Tokens.Sessions(r.Context(), p.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	owned := false
	for _, rec := range records {
		if rec.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}

	if err := a.cfg.Tokens.RevokeSession(r.Context(), id); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.Event{
		EventType:   "auth.session.revoke",
		PrincipalID: p.ID,
		TenantID:    p.TenantID,
		Resource:    "session",
		Action:      "revoke",
		Outcome:     audit.OutcomeSuccess,
		Details:     map[string]any{"session_id": id},
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "session_revoked"})
}

// handleCSRFToken mints (or refreshes) the synchroniser token for the
// caller's session and returns it in both the body and the readable
// cookie.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, _ := claimsFromContext(r.Context())

	token, err := a.cfg.CSRF.Issue(r.Context(), claims.SessionID)
	if err != nil {
		handleAuthError(w, r, auth.ErrSessionStoreDegraded)
		return
	}
	a.setCSRFCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]any{"csrf_token": token})
}

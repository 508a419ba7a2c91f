package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"fxdesk.org/internal/anomaly"
	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/csrf"
	"fxdesk.org/internal/mfa"
	"fxdesk.org/internal/ratelimit"
	"fxdesk.org/internal/session"
	"fxdesk.org/internal/tenant"
	"fxdesk.org/internal/token"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t       *testing.T
	api     *API
	handler http.Handler
	clock   *fakeClock

	principals *auth.MemoryPrincipalStore
	tenants    *auth.MemoryTenantStore
	sessions   *session.Memory
	hasher     *auth.Hasher
	mfa        *mfa.Service
	tap        *audit.Tap

	hashes atomic.Int64
}

func newTestAPI(t *testing.T) *fixture {
	t.Helper()
	return newTestAPIThreshold(t, 3)
}

func newTestAPIThreshold(t *testing.T, lockoutThreshold int) *fixture {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	f := &fixture{t: t, clock: clock}

	f.principals = auth.NewMemoryPrincipalStore()
	f.tenants = auth.NewMemoryTenantStore()
	f.sessions = session.NewMemory(session.WithClock(clock.Now))
	f.hasher = auth.NewHasher(
		auth.HashParams{Memory: 8, Iterations: 1, Parallelism: 1},
		auth.WithHashCounter(func() { f.hashes.Add(1) }),
	)

	counter := ratelimit.NewMemoryCounter(ratelimit.WithClock(clock.Now))
	limiter := ratelimit.New(counter)

	tokens, err := token.NewService([]byte("0123456789abcdef0123456789abcdef"), f.sessions, token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	mfaSvc, err := mfa.NewService(f.principals, f.sessions, bytes.Repeat([]byte{0x42}, 32), mfa.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("mfa service: %v", err)
	}
	detector := anomaly.NewDetector(f.principals, f.sessions,
		anomaly.WithThreshold(lockoutThreshold),
		anomaly.WithClock(clock.Now),
	)
	f.mfa = mfaSvc
	f.tap = audit.NewTap()

	f.api = New(Config{
		Principals: f.principals,
		Tenants:    tenant.NewResolver(f.tenants),
		Tokens:     tokens,
		Hasher:     f.hasher,
		MFA:        mfaSvc,
		Limiter:    limiter,
		Detector:   detector,
		CSRF:       csrf.NewGuard(f.sessions),
		Tap:        f.tap,
		Version:    "test",
	})
	f.api.now = clock.Now
	f.handler = f.api.Handler()
	t.Cleanup(f.api.Close)
	return f
}

func (f *fixture) seed(role auth.Role, email, password, tenantID string) *auth.Principal {
	f.t.Helper()
	hash, err := f.hasher.Hash(password)
	if err != nil {
		f.t.Fatalf("hash password: %v", err)
	}
	p := &auth.Principal{
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		TenantID:     tenantID,
		Status:       auth.StatusActive,
	}
	if err := f.principals.Create(context.Background(), p); err != nil {
		f.t.Fatalf("create principal: %v", err)
	}
	return p
}

func (f *fixture) seedTenant(id, parentID string, level int, status string) {
	f.t.Helper()
	err := f.tenants.Create(context.Background(), &auth.Tenant{
		ID: id, ParentID: parentID, Level: level, Status: status,
	})
	if err != nil {
		f.t.Fatalf("create tenant %s: %v", id, err)
	}
}

func jsonRequest(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.10:40000"
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decodeBody(t, rr, &body)
	return body.Code
}

func (f *fixture) login(email, password string) (loginResponse, *httptest.ResponseRecorder) {
	f.t.Helper()
	rr := f.do(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"email": email, "password": password,
	}))
	var resp loginResponse
	if rr.Code == http.StatusOK {
		decodeBody(f.t, rr, &resp)
	}
	return resp, rr
}

func (f *fixture) mustLogin(email, password string) loginResponse {
	f.t.Helper()
	resp, rr := f.login(email, password)
	if rr.Code != http.StatusOK {
		f.t.Fatalf("login status = %d, body %s", rr.Code, rr.Body.String())
	}
	return resp
}

const testPassword = "Sup3r$ecret"

func TestLoginIssuesTokensAndCookies(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")

	resp, rr := f.login("clerk@fx.test", testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.SessionID == "" {
		t.Fatalf("incomplete login response: %+v", resp)
	}
	if resp.User == nil || resp.User.ID == "" || resp.User.Email != "clerk@fx.test" {
		t.Fatalf("login response missing user: %+v", resp.User)
	}

	me := jsonRequest(http.MethodGet, "/auth/me", nil)
	me.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	meRR := f.do(me)
	if meRR.Code != http.StatusOK {
		t.Fatalf("me status = %d", meRR.Code)
	}
	var whoami auth.Principal
	decodeBody(t, meRR, &whoami)
	if whoami.ID != resp.User.ID {
		t.Fatalf("me id = %q, login user id = %q", whoami.ID, resp.User.ID)
	}

	names := map[string]bool{}
	for _, c := range rr.Result().Cookies() {
		names[c.Name] = true
		if c.Name == accessCookieName && (!c.HttpOnly || !c.Secure) {
			t.Fatalf("access cookie not hardened: %+v", c)
		}
		if c.Name == csrf.CookieName && c.HttpOnly {
			t.Fatal("csrf cookie must be readable by the client")
		}
	}
	for _, want := range []string{accessCookieName, refreshCookieName, csrf.CookieName} {
		if !names[want] {
			t.Fatalf("missing cookie %q, got %v", want, names)
		}
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")

	unknown := f.do(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"email": "ghost@fx.test", "password": testPassword,
	}))
	wrongpw := f.do(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"email": "clerk@fx.test", "password": "WrongPassword1!",
	}))

	if unknown.Code != http.StatusUnauthorized || wrongpw.Code != http.StatusUnauthorized {
		t.Fatalf("statuses = %d, %d, want 401 for both", unknown.Code, wrongpw.Code)
	}
	if unknown.Body.String() != wrongpw.Body.String() {
		// request_id differs per request; strip it before comparing.
		var a, b map[string]any
		decodeBody(t, unknown, &a)
		decodeBody(t, wrongpw, &b)
		delete(a, "request_id")
		delete(b, "request_id")
		if fmt.Sprint(a) != fmt.Sprint(b) {
			t.Fatalf("failure shapes differ: %v vs %v", a, b)
		}
	}
}

func TestLockoutBeatsCorrectPassword(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")

	for i := 0; i < 3; i++ {
		_, rr := f.login("clerk@fx.test", "WrongPassword1!")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, rr.Code)
		}
	}

	_, rr := f.login("clerk@fx.test", testPassword)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr); code != string(auth.CodeAccountLocked) {
		t.Fatalf("code = %q, want ACCOUNT_LOCKED", code)
	}

	f.clock.Advance(16 * time.Minute)
	if _, rr := f.login("clerk@fx.test", testPassword); rr.Code != http.StatusOK {
		t.Fatalf("post-lockout status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestLockoutOutranksExhaustedWindow(t *testing.T) {
	// With the lockout threshold equal to the email window limit, the
	// locked account must still answer ACCOUNT_LOCKED, not RATE_LIMITED.
	f := newTestAPIThreshold(t, 5)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")

	for i := 0; i < 5; i++ {
		_, rr := f.login("clerk@fx.test", "WrongPassword1!")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, rr.Code)
		}
	}

	_, rr := f.login("clerk@fx.test", testPassword)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr); code != string(auth.CodeAccountLocked) {
		t.Fatalf("code = %q, want ACCOUNT_LOCKED", code)
	}
}

func TestPasswordHashBudgetUnderAttack(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")
	f.hashes.Store(0)

	var last *httptest.ResponseRecorder
	for i := 0; i < 40; i++ {
		req := jsonRequest(http.MethodPost, "/auth/login", map[string]string{
			"email": "clerk@fx.test", "password": "WrongPassword1!",
		})
		req.RemoteAddr = fmt.Sprintf("203.0.113.%d:4000", i+1)
		last = f.do(req)
	}

	if got := f.hashes.Load(); got > 5 {
		t.Fatalf("computed %d hashes for 40 attempts, want at most 5", got)
	}
	// The spray locks the account, and a locked account keeps answering
	// ACCOUNT_LOCKED even past the exhausted email window.
	if last.Code != http.StatusUnauthorized {
		t.Fatalf("final status = %d, want 401", last.Code)
	}
	if code := errorCode(t, last); code != string(auth.CodeAccountLocked) {
		t.Fatalf("code = %q, want ACCOUNT_LOCKED", code)
	}

	// An email with no account behind it still exhausts to 429.
	var ghost *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		req := jsonRequest(http.MethodPost, "/auth/login", map[string]string{
			"email": "ghost@fx.test", "password": "WrongPassword1!",
		})
		req.RemoteAddr = fmt.Sprintf("203.0.113.%d:5000", 100+i)
		ghost = f.do(req)
	}
	if ghost.Code != http.StatusTooManyRequests {
		t.Fatalf("unknown-email status = %d, want 429", ghost.Code)
	}
	if ghost.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header on 429")
	}
}

func TestAdminWithoutMFACannotLogIn(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleTenantAdmin, "admin@fx.test", testPassword, "")

	_, rr := f.login("admin@fx.test", testPassword)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if code := errorCode(t, rr); code != string(auth.CodeMFASetupRequired) {
		t.Fatalf("code = %q, want MFA_SETUP_REQUIRED", code)
	}
}

func TestMFALoginFlow(t *testing.T) {
	f := newTestAPI(t)
	ctx := context.Background()
	p := f.seed(auth.RoleTenantAdmin, "admin@fx.test", testPassword, "")

	enr, err := f.mfa.Setup(ctx, p)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	code, err := totp.GenerateCode(enr.Secret, f.clock.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := f.mfa.Enable(ctx, p, code); err != nil {
		t.Fatalf("enable: %v", err)
	}

	_, rr := f.login("admin@fx.test", testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("password step status = %d, body %s", rr.Code, rr.Body.String())
	}
	var challenge mfaChallengeResponse
	decodeBody(t, rr, &challenge)
	if !challenge.MFARequired || challenge.ChallengeID == "" {
		t.Fatalf("expected a challenge, got %+v", challenge)
	}

	// A wrong code fails without burning the challenge.
	rr = f.do(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"challenge_id": challenge.ChallengeID, "mfa_code": "badcode",
	}))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad code status = %d", rr.Code)
	}
	if code := errorCode(t, rr); code != string(auth.CodeInvalidMFA) {
		t.Fatalf("code = %q, want INVALID_MFA", code)
	}

	f.clock.Advance(60 * time.Second)
	live, err := totp.GenerateCode(enr.Secret, f.clock.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	rr = f.do(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"challenge_id": challenge.ChallengeID, "mfa_code": live,
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("mfa step status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	decodeBody(t, rr, &resp)
	if resp.AccessToken == "" {
		t.Fatal("expected tokens after the second factor cleared")
	}

	// The challenge redeemed once; replaying it must fail.
	f.clock.Advance(60 * time.Second)
	replay, _ := totp.GenerateCode(enr.Secret, f.clock.Now())
	rr = f.do(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"challenge_id": challenge.ChallengeID, "mfa_code": replay,
	}))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replayed challenge status = %d, want 401", rr.Code)
	}
}

func TestRefreshRotationDetectsReuse(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")
	first := f.mustLogin("clerk@fx.test", testPassword)

	rr := f.do(jsonRequest(http.MethodPost, "/auth/refresh", map[string]string{
		"refresh_token": first.RefreshToken,
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("rotate status = %d, body %s", rr.Code, rr.Body.String())
	}
	var second loginResponse
	decodeBody(t, rr, &second)
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}

	// Replaying the rotated token is theft: family dies, reuse reported.
	rr = f.do(jsonRequest(http.MethodPost, "/auth/refresh", map[string]string{
		"refresh_token": first.RefreshToken,
	}))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr); code != string(auth.CodeRefreshReuse) {
		t.Fatalf("code = %q, want REFRESH_REUSE", code)
	}

	// Every credential of the family is dead, access tokens included.
	req := jsonRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+second.AccessToken)
	rr = f.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("access after reuse status = %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr); code != string(auth.CodeTokenRevoked) {
		t.Fatalf("code = %q, want TOKEN_REVOKED", code)
	}

	// The legitimate holder's next rotation also surfaces the theft signal.
	rr = f.do(jsonRequest(http.MethodPost, "/auth/refresh", map[string]string{
		"refresh_token": second.RefreshToken,
	}))
	if code := errorCode(t, rr); code != string(auth.CodeRefreshReuse) {
		t.Fatalf("victim rotation code = %q, want REFRESH_REUSE", code)
	}
}

func TestRefreshRejectsGarbage(t *testing.T) {
	f := newTestAPI(t)
	rr := f.do(jsonRequest(http.MethodPost, "/auth/refresh", map[string]string{
		"refresh_token": "not.a.token",
	}))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr); code != string(auth.CodeInvalidRefreshToken) {
		t.Fatalf("code = %q, want INVALID_REFRESH_TOKEN", code)
	}
}

func TestRefreshAcceptsHeaderToken(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")
	resp := f.mustLogin("clerk@fx.test", testPassword)

	req := jsonRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set(refreshHeader, resp.RefreshToken)
	rr := f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var rotated loginResponse
	decodeBody(t, rr, &rotated)
	if rotated.AccessToken == "" || rotated.RefreshToken == resp.RefreshToken {
		t.Fatalf("header refresh did not rotate: %+v", rotated)
	}
}

func cookieByName(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCookieSessionsRequireCSRF(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")

	_, loginRR := f.login("clerk@fx.test", testPassword)
	if loginRR.Code != http.StatusOK {
		t.Fatalf("login status = %d", loginRR.Code)
	}
	access := cookieByName(loginRR, accessCookieName)
	xsrf := cookieByName(loginRR, csrf.CookieName)
	if access == nil || xsrf == nil {
		t.Fatal("login did not set session cookies")
	}

	req := jsonRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: accessCookieName, Value: access.Value})
	rr := f.do(req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if code := errorCode(t, rr); code != string(auth.CodeCSRFMissing) {
		t.Fatalf("code = %q, want CSRF_MISSING", code)
	}

	req = jsonRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: accessCookieName, Value: access.Value})
	req.Header.Set(csrf.HeaderName, "forged-token")
	rr = f.do(req)
	if code := errorCode(t, rr); code != string(auth.CodeCSRFInvalid) {
		t.Fatalf("code = %q, want CSRF_INVALID", code)
	}

	req = jsonRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: accessCookieName, Value: access.Value})
	req.Header.Set(csrf.HeaderName, xsrf.Value)
	rr = f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestBearerCallersExemptFromCSRF(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")
	resp := f.mustLogin("clerk@fx.test", testPassword)

	req := jsonRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	rr := f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestSessionsListAndRevokeOthers(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")

	first := f.mustLogin("clerk@fx.test", testPassword)
	f.clock.Advance(time.Second)
	second := f.mustLogin("clerk@fx.test", testPassword)

	req := jsonRequest(http.MethodGet, "/auth/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+second.AccessToken)
	rr := f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, body %s", rr.Code, rr.Body.String())
	}
	var listing struct {
		Sessions []sessionSummary `json:"sessions"`
	}
	decodeBody(t, rr, &listing)
	if len(listing.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(listing.Sessions))
	}
	for _, s := range listing.Sessions {
		if s.Current != (s.ID == second.SessionID) {
			t.Fatalf("current flag wrong on session %s", s.ID)
		}
	}

	req = jsonRequest(http.MethodDelete, "/auth/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+second.AccessToken)
	if rr := f.do(req); rr.Code != http.StatusOK {
		t.Fatalf("revoke others status = %d", rr.Code)
	}

	req = jsonRequest(http.MethodGet, "/auth/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+second.AccessToken)
	rr = f.do(req)
	decodeBody(t, rr, &listing)
	if len(listing.Sessions) != 1 || listing.Sessions[0].ID != second.SessionID {
		t.Fatalf("after revoke got %+v, want only the current session", listing.Sessions)
	}

	// The revoked session's access token no longer authenticates.
	req = jsonRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+first.AccessToken)
	if rr := f.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session status = %d, want 401", rr.Code)
	}
}

func TestRevokeSessionByID(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")
	f.seed(auth.RoleStaff, "other@fx.test", testPassword, "")

	victim := f.mustLogin("clerk@fx.test", testPassword)
	f.clock.Advance(time.Second)
	current := f.mustLogin("clerk@fx.test", testPassword)
	stranger := f.mustLogin("other@fx.test", testPassword)

	// A principal cannot revoke someone else's session.
	req := jsonRequest(http.MethodDelete, "/auth/sessions/"+victim.SessionID, nil)
	req.Header.Set("Authorization", "Bearer "+stranger.AccessToken)
	if rr := f.do(req); rr.Code != http.StatusNotFound {
		t.Fatalf("cross-principal revoke status = %d, want 404", rr.Code)
	}

	req = jsonRequest(http.MethodDelete, "/auth/sessions/"+victim.SessionID, nil)
	req.Header.Set("Authorization", "Bearer "+current.AccessToken)
	if rr := f.do(req); rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rr.Code)
	}

	req = jsonRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+victim.AccessToken)
	if rr := f.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session status = %d, want 401", rr.Code)
	}
}

func TestTenantScopeHeader(t *testing.T) {
	f := newTestAPI(t)
	f.seedTenant("tn_root", "", 0, auth.TenantStatusActive)
	f.seedTenant("tn_branch", "tn_root", 1, auth.TenantStatusActive)
	f.seedTenant("tn_other", "tn_root", 1, auth.TenantStatusActive)
	f.seed(auth.RoleManager, "mgr@fx.test", testPassword, "tn_branch")
	f.seed(auth.RoleManager, "root@fx.test", testPassword, "tn_root")

	branch := f.mustLogin("mgr@fx.test", testPassword)
	root := f.mustLogin("root@fx.test", testPassword)

	cases := []struct {
		name   string
		token  string
		target string
		status int
	}{
		{"own tenant", branch.AccessToken, "tn_branch", http.StatusOK},
		{"sibling denied", branch.AccessToken, "tn_other", http.StatusForbidden},
		{"ancestor denied", branch.AccessToken, "tn_root", http.StatusForbidden},
		{"descendant allowed", root.AccessToken, "tn_branch", http.StatusOK},
	}
	for _, tc := range cases {
		req := jsonRequest(http.MethodGet, "/auth/me", nil)
		req.Header.Set("Authorization", "Bearer "+tc.token)
		req.Header.Set(tenantHeader, tc.target)
		rr := f.do(req)
		if rr.Code != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.name, rr.Code, tc.status)
		}
		if tc.status == http.StatusForbidden {
			if code := errorCode(t, rr); code != string(auth.CodeTenantAccessDenied) {
				t.Fatalf("%s: code = %q, want TENANT_ACCESS_DENIED", tc.name, code)
			}
		}
	}
}

func TestInactiveTenantBlocksLogin(t *testing.T) {
	f := newTestAPI(t)
	f.seedTenant("tn_frozen", "", 1, "suspended")
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "tn_frozen")

	_, rr := f.login("clerk@fx.test", testPassword)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if code := errorCode(t, rr); code != string(auth.CodeTenantInactive) {
		t.Fatalf("code = %q, want TENANT_INACTIVE", code)
	}
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	f := newTestAPI(t)
	f.seed(auth.RoleStaff, "clerk@fx.test", testPassword, "")

	old := f.mustLogin("clerk@fx.test", testPassword)
	f.clock.Advance(time.Second)
	current := f.mustLogin("clerk@fx.test", testPassword)

	req := jsonRequest(http.MethodPost, "/auth/password", map[string]string{
		"current_password": testPassword, "new_password": "weak",
	})
	req.Header.Set("Authorization", "Bearer "+current.AccessToken)
	rr := f.do(req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("weak password status = %d, want 400", rr.Code)
	}
	if code := errorCode(t, rr); code != string(auth.CodeWeakPassword) {
		t.Fatalf("code = %q, want WEAK_PASSWORD", code)
	}

	newPassword := "N3w!Passw0rd"
	req = jsonRequest(http.MethodPost, "/auth/password", map[string]string{
		"current_password": testPassword, "new_password": newPassword,
	})
	req.Header.Set("Authorization", "Bearer "+current.AccessToken)
	if rr := f.do(req); rr.Code != http.StatusOK {
		t.Fatalf("change status = %d, body %s", rr.Code, rr.Body.String())
	}

	req = jsonRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+old.AccessToken)
	if rr := f.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("old session status = %d, want 401", rr.Code)
	}

	if _, rr := f.login("clerk@fx.test", testPassword); rr.Code != http.StatusUnauthorized {
		t.Fatalf("old password status = %d, want 401", rr.Code)
	}
	if _, rr := f.login("clerk@fx.test", newPassword); rr.Code != http.StatusOK {
		t.Fatalf("new password status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestUnauthenticatedTrafficThrottledPerIP(t *testing.T) {
	f := newTestAPI(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < 51; i++ {
		req := jsonRequest(http.MethodGet, "/auth/login", nil)
		req.RemoteAddr = "192.0.2.55:7000"
		last = f.do(req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after the per-address window fills", last.Code)
	}
}

func TestReadyzReportsDegradedStore(t *testing.T) {
	degraded := true
	api := New(Config{
		ReadyProbe: ReadyProbe{Degraded: func() bool { return degraded }},
	})
	defer api.Close()
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "5" {
		t.Fatalf("Retry-After = %q, want 5", rr.Header().Get("Retry-After"))
	}
	if code := errorCode(t, rr); code != string(auth.CodeSessionStoreDegraded) {
		t.Fatalf("code = %q, want SESSION_STORE_DEGRADED", code)
	}

	degraded = false
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestClientIPBehindTrustedProxy(t *testing.T) {
	_, cidr, err := net.ParseCIDR("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	api := New(Config{TrustedProxies: []*net.IPNet{cidr}})
	defer api.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:9000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
	if got := api.clientIP(req); got != "203.0.113.9" {
		t.Fatalf("clientIP = %q, want forwarded client", got)
	}

	// An untrusted peer cannot spoof via the forwarding header.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:1000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := api.clientIP(req); got != "198.51.100.7" {
		t.Fatalf("clientIP = %q, want the direct peer", got)
	}
}

func TestRequestIDIsAlwaysMinted(t *testing.T) {
	f := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req_forged")
	rr := f.do(req)

	rid := rr.Header().Get("X-Request-Id")
	if !strings.HasPrefix(rid, "req_") || rid == "req_forged" {
		t.Fatalf("X-Request-Id = %q, want a freshly minted id", rid)
	}
}

func TestSecurityHeaders(t *testing.T) {
	f := newTestAPI(t)
	rr := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestCORSAllowlist(t *testing.T) {
	api := New(Config{AllowedOrigins: []string{"https://backoffice.fx.test"}})
	defer api.Close()
	h := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://backoffice.fx.test")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://backoffice.fx.test" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Access-Control-Allow-Credentials = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://backoffice.fx.test")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin got Access-Control-Allow-Origin = %q", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newTestAPI(t)
	req := jsonRequest(http.MethodGet, "/auth/login", nil)
	req.RemoteAddr = "192.0.2.80:7000"
	rr := f.do(req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q, want POST", allow)
	}
}

func TestOneShotMFALogin(t *testing.T) {
	f := newTestAPI(t)
	ctx := context.Background()
	p := f.seed(auth.RoleTenantAdmin, "admin@fx.test", testPassword, "")

	enr, err := f.mfa.Setup(ctx, p)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	code, err := totp.GenerateCode(enr.Secret, f.clock.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := f.mfa.Enable(ctx, p, code); err != nil {
		t.Fatalf("enable: %v", err)
	}

	// Wrong inline code fails without opening a challenge.
	rr := f.do(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"email": "admin@fx.test", "password": testPassword, "mfa_code": "badcode",
	}))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if got := errorCode(t, rr); got != string(auth.CodeInvalidMFA) {
		t.Fatalf("code = %q, want INVALID_MFA", got)
	}

	f.clock.Advance(time.Minute)
	code, err = totp.GenerateCode(enr.Secret, f.clock.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	rr = f.do(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"email": "admin@fx.test", "password": testPassword, "mfa_code": code,
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	decodeBody(t, rr, &resp)
	if resp.AccessToken == "" || resp.SessionID == "" {
		t.Fatalf("incomplete one-shot login response: %+v", resp)
	}
}

func TestFlaggedBucketsStop(t *testing.T) {
	fb := newFlaggedBuckets()
	if !fb.allow("203.0.113.50") {
		t.Fatal("first hit should be admitted")
	}
	fb.close()
	// Buckets stay usable after the reaper stops.
	if !fb.allow("203.0.113.51") {
		t.Fatal("allow after close should still admit")
	}
}

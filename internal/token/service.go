// Package token mints, verifies, rotates and revokes the signed credential
// pairs issued to sessions. Refresh rotation runs through a compare-and-set
// on the session store's family record, so replaying a rotated refresh token
// is detected the first time either the victim or the thief refreshes.
package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/ids"
	"fxdesk.org/internal/session"
)

// Kind distinguishes the two halves of a token pair.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

const (
	defaultIssuer   = "exchange-platform"
	defaultAudience = "exchange-api"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the signed token payload.
type Claims struct {
	Role      auth.Role `json:"role"`
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	jwt.RegisteredClaims
}

// Pair carries freshly minted credentials.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"-"`
}

// Service issues and verifies token pairs against the session store.
type Service struct {
	sessions session.Store
	sink     audit.Sink
	now      func() time.Time

	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey

	issuer      string
	audience    string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	idleTTL     time.Duration
	absoluteTTL time.Duration
}

// Option configures Service behavior.
type Option func(*Service) error

// WithRS256Keys switches signing to RS256 for multi-tier deployments.
func WithRS256Keys(private *rsa.PrivateKey, public *rsa.PublicKey) Option {
	return func(s *Service) error {
		if private == nil || public == nil {
			return errors.New("token: both RSA keys are required")
		}
		s.privateKey = private
		s.publicKey = public
		return nil
	}
}

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAudience overrides the audience claim.
func WithAudience(aud string) Option {
	return func(s *Service) error {
		if v := strings.TrimSpace(aud); v != "" {
			s.audience = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime (capped at 15 minutes).
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 && ttl <= 15*time.Minute {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime (capped at 7 days).
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 && ttl <= 7*24*time.Hour {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithSessionTTLs configures idle and absolute session expiry.
func WithSessionTTLs(idle, absolute time.Duration) Option {
	return func(s *Service) error {
		if idle > 0 {
			s.idleTTL = idle
		}
		if absolute > 0 {
			s.absoluteTTL = absolute
		}
		return nil
	}
}

// WithAuditSink wires the audit stream.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) error {
		s.sink = sink
		return nil
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the token service. A missing signing key is a
// deployment error and fails construction.
func NewService(secret []byte, sessions session.Store, opts ...Option) (*Service, error) {
	s := &Service{
		sessions:    sessions,
		now:         time.Now,
		secret:      secret,
		issuer:      defaultIssuer,
		audience:    defaultAudience,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		idleTTL:     2 * time.Hour,
		absoluteTTL: 12 * time.Hour,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if len(s.secret) == 0 && s.privateKey == nil {
		return nil, errors.New("token: signing key is not configured")
	}
	if sessions == nil {
		return nil, errors.New("token: session store is required")
	}
	return s, nil
}

// AccessTTL exposes the configured access lifetime (used for cookies).
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL exposes the configured refresh lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// StartSession creates a session plus its refresh family and issues the
// first pair. Called by the login flow once the principal authenticated.
func (s *Service) StartSession(ctx context.Context, p *auth.Principal, ip, userAgent string, mfaVerified bool) (Pair, session.Record, error) {
	now := s.now().UTC()
	rec := session.Record{
		ID:               ids.New(),
		PrincipalID:      p.ID,
		CreatedAt:        now,
		LastAccessAt:     now,
		IP:               ip,
		UserAgent:        userAgent,
		RefreshFamilyID:  uuid.NewString(),
		AbsoluteExpiryAt: now.Add(s.absoluteTTL),
		IdleExpiryAt:     now.Add(s.idleTTL),
		MFAVerified:      mfaVerified,
	}
	if mfaVerified {
		rec.MFAVerifiedAt = now
	}

	pair, refreshID, err := s.mint(p, rec, now)
	if err != nil {
		return Pair{}, session.Record{}, err
	}
	rec.CurrentTokenID = refreshID

	sessionTTL := rec.AbsoluteExpiryAt.Sub(now)
	if err := s.sessions.PutSession(ctx, rec, sessionTTL); err != nil {
		return Pair{}, session.Record{}, s.storeFailure(ctx, "session.create", err)
	}
	fam := session.Family{ID: rec.RefreshFamilyID, SessionID: rec.ID, CurrentTokenID: refreshID}
	if err := s.sessions.PutFamily(ctx, fam, s.refreshTTL); err != nil {
		return Pair{}, session.Record{}, s.storeFailure(ctx, "family.create", err)
	}

	s.emit(ctx, audit.Event{
		EventType:   "auth.token.issue",
		PrincipalID: p.ID,
		TenantID:    p.TenantID,
		IP:          ip,
		UserAgent:   userAgent,
		Resource:    "session",
		Action:      "create",
		Outcome:     audit.OutcomeSuccess,
		Details:     map[string]any{"session_id": rec.ID},
	})
	return pair, rec, nil
}

// mint signs a fresh access/refresh pair for the session. Returns the
// refresh token id so callers can install it as the family's current token.
func (s *Service) mint(p *auth.Principal, rec session.Record, now time.Time) (Pair, string, error) {
	accessID := uuid.NewString()
	refreshID := uuid.NewString()

	access, accessExp, err := s.sign(p, rec, KindAccess, accessID, now, s.accessTTL)
	if err != nil {
		return Pair{}, "", err
	}
	refresh, refreshExp, err := s.sign(p, rec, KindRefresh, refreshID, now, s.refreshTTL)
	if err != nil {
		return Pair{}, "", err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		SessionID:        rec.ID,
	}, refreshID, nil
}

func (s *Service) sign(p *auth.Principal, rec session.Record, kind Kind, tokenID string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		Role:      p.Role,
		TenantID:  p.TenantID,
		SessionID: rec.ID,
		Kind:      kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   p.ID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	var tok *jwt.Token
	var key any
	if s.privateKey != nil {
		tok = jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		key = s.privateKey
	} else {
		tok = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		key = s.secret
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, lifetime, kind, issuer/audience binding and
// revocation state, returning the claims on success.
func (s *Service) Verify(ctx context.Context, raw string, expected Kind) (*Claims, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	if claims.Kind != expected {
		return nil, auth.E(auth.CodeInvalidToken, "wrong token kind %q", claims.Kind)
	}

	revoked, err := s.sessions.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, s.storeFailure(ctx, "token.verify", err)
	}
	if revoked {
		return nil, auth.ErrTokenRevoked
	}

	rec, err := s.sessions.GetSession(ctx, claims.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, auth.ErrTokenRevoked
	}
	if err != nil {
		return nil, s.storeFailure(ctx, "token.verify", err)
	}
	if rec.Expired(s.now().UTC()) {
		return nil, auth.ErrTokenExpired
	}
	return claims, nil
}

func (s *Service) parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, auth.ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(s.validMethods()),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	parsed, err := parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if s.publicKey != nil {
			return s.publicKey, nil
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, auth.ErrTokenExpired
		}
		return nil, auth.E(auth.CodeInvalidToken, "parse: %v", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, auth.ErrInvalidToken
	}
	if claims.Subject == "" || claims.SessionID == "" || claims.ID == "" {
		return nil, auth.ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) validMethods() []string {
	if s.publicKey != nil {
		return []string{jwt.SigningMethodRS256.Alg()}
	}
	return []string{jwt.SigningMethodHS256.Alg()}
}

// Rotate exchanges a refresh token for a fresh pair. A replayed refresh
// token revokes the entire family and fails with REFRESH_REUSE; once a
// family is revoked every further rotation attempt against it reports reuse
// as well, so concurrent replays all surface the theft signal.
func (s *Service) Rotate(ctx context.Context, p *auth.Principal, raw string) (Pair, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return Pair{}, auth.ErrInvalidRefreshToken
	}
	if claims.Kind != KindRefresh {
		return Pair{}, auth.ErrInvalidRefreshToken
	}
	if p == nil || p.ID != claims.Subject {
		return Pair{}, auth.ErrInvalidRefreshToken
	}

	revoked, err := s.sessions.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return Pair{}, s.storeFailure(ctx, "token.rotate", err)
	}
	if revoked {
		return Pair{}, auth.ErrRefreshReuse
	}

	rec, err := s.sessions.GetSession(ctx, claims.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		if s.familyRevoked(ctx, claims) {
			return Pair{}, auth.ErrRefreshReuse
		}
		return Pair{}, auth.ErrInvalidRefreshToken
	}
	if err != nil {
		return Pair{}, s.storeFailure(ctx, "token.rotate", err)
	}
	if rec.Expired(s.now().UTC()) {
		return Pair{}, auth.ErrInvalidRefreshToken
	}

	now := s.now().UTC()
	pair, newRefreshID, err := s.mint(p, rec, now)
	if err != nil {
		return Pair{}, err
	}

	err = s.sessions.Consume(ctx, rec.RefreshFamilyID, claims.ID, newRefreshID, s.refreshTTL)
	switch {
	case errors.Is(err, session.ErrTokenConsumed):
		s.revokeFamily(ctx, rec, claims)
		return Pair{}, auth.ErrRefreshReuse
	case errors.Is(err, session.ErrNotFound):
		return Pair{}, auth.ErrInvalidRefreshToken
	case err != nil:
		return Pair{}, s.storeFailure(ctx, "token.rotate", err)
	}

	rec.CurrentTokenID = newRefreshID
	rec.LastAccessAt = now
	rec.IdleExpiryAt = now.Add(s.idleTTL)
	sessionTTL := rec.AbsoluteExpiryAt.Sub(now)
	if sessionTTL <= 0 {
		return Pair{}, auth.ErrTokenExpired
	}
	if err := s.sessions.UpdateSession(ctx, rec, sessionTTL); err != nil {
		return Pair{}, s.storeFailure(ctx, "token.rotate", err)
	}

	s.emit(ctx, audit.Event{
		EventType:   "auth.token.rotate",
		PrincipalID: p.ID,
		TenantID:    p.TenantID,
		Resource:    "session",
		Action:      "rotate",
		Outcome:     audit.OutcomeSuccess,
		Details:     map[string]any{"session_id": rec.ID},
	})
	return pair, nil
}

// revokeFamily destroys the session and blacklists the family's tokens.
// Every access token bound to the session dies with it.
func (s *Service) revokeFamily(ctx context.Context, rec session.Record, claims *Claims) {
	// The marker goes in before the session record disappears, so a
	// concurrent rotation that finds the session gone still reports reuse.
	_ = s.sessions.SetValue(ctx, revokedSessionKey(rec.ID), "1", s.refreshTTL)
	_ = s.sessions.Blacklist(ctx, claims.ID, s.refreshTTL)
	if rec.CurrentTokenID != "" {
		_ = s.sessions.Blacklist(ctx, rec.CurrentTokenID, s.refreshTTL)
	}
	_ = s.sessions.DeleteFamily(ctx, rec.RefreshFamilyID)
	_ = s.sessions.DeleteSession(ctx, rec.ID)

	s.emit(ctx, audit.Event{
		EventType:   "auth.token.refresh_reuse",
		Severity:    audit.SeverityHigh,
		PrincipalID: rec.PrincipalID,
		IP:          rec.IP,
		UserAgent:   rec.UserAgent,
		Resource:    "session",
		Action:      "revoke_family",
		Outcome:     audit.OutcomeFailure,
		Details:     map[string]any{"session_id": rec.ID, "family_id": rec.RefreshFamilyID},
	})
}

// Claims parses and validates a raw token's signature and registered
// claims without consulting the session store. Callers that need
// revocation checks use Verify.
func (s *Service) Claims(raw string) (*Claims, error) {
	return s.parse(raw)
}

func revokedSessionKey(sessionID string) string { return "revoked_session:" + sessionID }

// familyRevoked reports whether the token's session was torn down by a
// reuse detection rather than an ordinary logout or expiry.
func (s *Service) familyRevoked(ctx context.Context, claims *Claims) bool {
	_, err := s.sessions.GetValue(ctx, revokedSessionKey(claims.SessionID))
	return err == nil
}

// Session returns one live session record.
func (s *Service) Session(ctx context.Context, id string) (session.Record, error) {
	rec, err := s.sessions.GetSession(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return session.Record{}, auth.ErrInvalidToken
	}
	if err != nil {
		return session.Record{}, s.storeFailure(ctx, "session.get", err)
	}
	return rec, nil
}

// MarkMFAVerified stamps the session with a fresh second-factor
// verification time. Sensitive operations check this stamp against
// their freshness window.
func (s *Service) MarkMFAVerified(ctx context.Context, sessionID string) error {
	rec, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return auth.ErrInvalidToken
	}
	if err != nil {
		return s.storeFailure(ctx, "session.mfa_stamp", err)
	}
	now := s.now().UTC()
	rec.MFAVerified = true
	rec.MFAVerifiedAt = now
	ttl := rec.AbsoluteExpiryAt.Sub(now)
	if ttl <= 0 {
		return auth.ErrTokenExpired
	}
	if err := s.sessions.UpdateSession(ctx, rec, ttl); err != nil {
		return s.storeFailure(ctx, "session.mfa_stamp", err)
	}
	return nil
}

// Sessions lists the principal's live sessions.
func (s *Service) Sessions(ctx context.Context, principalID string) ([]session.Record, error) {
	records, err := s.sessions.SessionsByPrincipal(ctx, principalID)
	if err != nil {
		return nil, s.storeFailure(ctx, "token.sessions", err)
	}
	return records, nil
}

// Revoke blacklists one token id. Idempotent.
func (s *Service) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if err := s.sessions.Blacklist(ctx, tokenID, ttl); err != nil {
		return s.storeFailure(ctx, "token.revoke", err)
	}
	return nil
}

// RevokeSession destroys a session; its tokens are implicitly revoked by the
// session lookup in Verify.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	rec, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return s.storeFailure(ctx, "session.revoke", err)
	}
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		return s.storeFailure(ctx, "session.revoke", err)
	}
	_ = s.sessions.DeleteFamily(ctx, rec.RefreshFamilyID)

	s.emit(ctx, audit.Event{
		EventType:   "auth.session.revoke",
		PrincipalID: rec.PrincipalID,
		Resource:    "session",
		Action:      "revoke",
		Outcome:     audit.OutcomeSuccess,
		Details:     map[string]any{"session_id": sessionID},
	})
	return nil
}

// RevokeAllSessions revokes every session of the principal except the one
// identified by keepID (empty keeps nothing).
func (s *Service) RevokeAllSessions(ctx context.Context, principalID, keepID string) error {
	list, err := s.sessions.SessionsByPrincipal(ctx, principalID)
	if err != nil {
		return s.storeFailure(ctx, "session.revoke_all", err)
	}
	for _, rec := range list {
		if rec.ID == keepID {
			continue
		}
		if err := s.RevokeSession(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// storeFailure converts backend unavailability into the fail-closed coded
// error and leaves an audit trail so operators notice.
func (s *Service) storeFailure(ctx context.Context, op string, err error) error {
	s.emit(ctx, audit.Event{
		EventType: "session_store.failure",
		Severity:  audit.SeverityHigh,
		Resource:  "session_store",
		Action:    op,
		Outcome:   audit.OutcomeFailure,
		Details:   map[string]any{"error": err.Error()},
	})
	return auth.E(auth.CodeSessionStoreDegraded, "%s: %v", op, err)
}

func (s *Service) emit(ctx context.Context, e audit.Event) {
	if s.sink != nil {
		s.sink.Emit(ctx, e)
	}
}

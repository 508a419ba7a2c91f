// Package csrf implements the synchroniser-token pattern. A random token
// is bound to the session and handed to the client in a readable cookie;
// state-changing requests must echo it back in a header, compared in
// constant time against the session-bound value.
package csrf

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/ids"
	"fxdesk.org/internal/session"
)

const (
	// HeaderName is where clients echo the token on unsafe methods.
	HeaderName = "X-CSRF-Token"
	// CookieName is the readable cookie carrying the token. Deliberately
	// not HttpOnly so browser clients can copy it into the header.
	CookieName = "XSRF-TOKEN"

	tokenBytes      = 32
	defaultLifetime = time.Hour
)

// Guard mints and checks per-session tokens.
type Guard struct {
	sessions session.Store
	lifetime time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithLifetime sets how long a minted token stays valid.
func WithLifetime(d time.Duration) Option {
	return func(g *Guard) { g.lifetime = d }
}

// NewGuard builds a Guard over the session store.
func NewGuard(sessions session.Store, opts ...Option) *Guard {
	g := &Guard{sessions: sessions, lifetime: defaultLifetime}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Lifetime returns the configured token lifetime.
func (g *Guard) Lifetime() time.Duration { return g.lifetime }

// Issue mints a 256-bit token bound to the session. Re-issuing replaces
// the previous token.
func (g *Guard) Issue(ctx context.Context, sessionID string) (string, error) {
	token, err := ids.NewSecret(tokenBytes)
	if err != nil {
		return "", err
	}
	if err := g.sessions.SetValue(ctx, tokenKey(sessionID), token, g.lifetime); err != nil {
		return "", err
	}
	return token, nil
}

// Check validates a presented token against the session-bound value.
func (g *Guard) Check(ctx context.Context, sessionID, presented string) error {
	if presented == "" {
		return auth.ErrCSRFMissing
	}
	stored, err := g.sessions.GetValue(ctx, tokenKey(sessionID))
	if errors.Is(err, session.ErrNotFound) {
		return auth.ErrCSRFInvalid
	}
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return auth.ErrCSRFInvalid
	}
	return nil
}

// Drop removes the session's token, typically at logout.
func (g *Guard) Drop(ctx context.Context, sessionID string) error {
	return g.sessions.DeleteValue(ctx, tokenKey(sessionID))
}

func tokenKey(sessionID string) string { return "csrf:" + sessionID }

// Package session tracks live authentication contexts: session records, the
// token blacklist, refresh-token families and small TTL flags. All writes are
// single-key and atomic; the family rotation step is a compare-and-set.
package session

import (
	"context"
	"errors"
	"time"
)

// Record is a live authentication context bound to a principal.
type Record struct {
	ID               string    `json:"id"`
	PrincipalID      string    `json:"principal_id"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessAt     time.Time `json:"last_access_at"`
	IP               string    `json:"ip"`
	UserAgent        string    `json:"user_agent"`
	RefreshFamilyID  string    `json:"refresh_family_id"`
	CurrentTokenID   string    `json:"current_token_id"`
	AbsoluteExpiryAt time.Time `json:"absolute_expiry_at"`
	IdleExpiryAt     time.Time `json:"idle_expiry_at"`
	MFAVerified      bool      `json:"mfa_verified"`
	MFAVerifiedAt    time.Time `json:"mfa_verified_at,omitempty"`
	CSRFToken        string    `json:"-"`
}

// Expired reports whether the session passed its absolute or idle expiry.
func (r Record) Expired(now time.Time) bool {
	if !r.AbsoluteExpiryAt.IsZero() && now.After(r.AbsoluteExpiryAt) {
		return true
	}
	return !r.IdleExpiryAt.IsZero() && now.After(r.IdleExpiryAt)
}

// Family is the rotation state of a refresh-token family. At any moment a
// family has exactly one current refresh token; everything else is consumed.
type Family struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"session_id"`
	CurrentTokenID string   `json:"current_token_id"`
	Consumed       []string `json:"consumed"`
}

var (
	// ErrNotFound: the key does not exist or its TTL elapsed.
	ErrNotFound = errors.New("session: not found")
	// ErrTokenConsumed: the presented refresh token was already rotated —
	// the refresh-reuse signal.
	ErrTokenConsumed = errors.New("session: refresh token already consumed")
	// ErrUnavailable: the backend cannot be reached.
	ErrUnavailable = errors.New("session: store unavailable")
)

// Store is the key-value abstraction behind the auth core. Implementations must
// keep every key under a TTL; there is no unbounded growth.
type Store interface {
	// Sessions.
	PutSession(ctx context.Context, rec Record, ttl time.Duration) error
	GetSession(ctx context.Context, id string) (Record, error)
	UpdateSession(ctx context.Context, rec Record, ttl time.Duration) error
	DeleteSession(ctx context.Context, id string) error
	SessionsByPrincipal(ctx context.Context, principalID string) ([]Record, error)

	// Token blacklist. TTL equals the remaining token lifetime.
	Blacklist(ctx context.Context, tokenID string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, tokenID string) (bool, error)

	// Refresh families. Consume performs the atomic rotation step: it marks
	// presentedID consumed and installs newID as current, failing with
	// ErrTokenConsumed when presentedID is no longer the current token.
	PutFamily(ctx context.Context, fam Family, ttl time.Duration) error
	GetFamily(ctx context.Context, id string) (Family, error)
	Consume(ctx context.Context, familyID, presentedID, newID string, ttl time.Duration) error
	DeleteFamily(ctx context.Context, id string) error

	// Small TTL values: IP flags, MFA replay guards, one-shot challenges.
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
	GetValue(ctx context.Context, key string) (string, error)
	// TakeValue reads and deletes atomically (single-use records).
	TakeValue(ctx context.Context, key string) (string, error)
	DeleteValue(ctx context.Context, key string) error

	Ping(ctx context.Context) error
}

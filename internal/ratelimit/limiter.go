// Package ratelimit enforces fixed-window quotas across several request
// dimensions. Counters are linearisable per bucket: the backend increment
// is a single atomic round trip, so two concurrent requests at the limit
// boundary cannot both pass.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/obs"
)

// Dimension names one quota axis. The subject interpretation depends on
// the dimension (email, client IP, principal id, or endpoint path).
type Dimension string

const (
	DimLoginByEmail           Dimension = "login_by_email"
	DimLoginByIP              Dimension = "login_by_ip"
	DimRefreshByIP            Dimension = "refresh_by_ip"
	DimMFAByPrincipal         Dimension = "mfa_by_principal"
	DimPasswordResetByEmail   Dimension = "password_reset_by_email"
	DimGeneralByPrincipal     Dimension = "general_by_principal"
	DimGeneralByIP            Dimension = "general_by_ip"
	DimSensitiveOpByPrincipal Dimension = "sensitive_op_by_principal"
	DimEndpoint               Dimension = "endpoint"
)

// Policy is a fixed-window quota: at most Limit hits per Window.
type Policy struct {
	Limit  int64
	Window time.Duration
}

// DefaultPolicies is the standing quota table. General-by-principal uses
// the role ceiling supplied per call, so its table entry is the floor.
func DefaultPolicies() map[Dimension]Policy {
	return map[Dimension]Policy{
		DimLoginByEmail:           {Limit: 5, Window: 15 * time.Minute},
		DimLoginByIP:              {Limit: 20, Window: 15 * time.Minute},
		DimRefreshByIP:            {Limit: 10, Window: 5 * time.Minute},
		DimMFAByPrincipal:         {Limit: 10, Window: 5 * time.Minute},
		DimPasswordResetByEmail:   {Limit: 3, Window: time.Hour},
		DimGeneralByPrincipal:     {Limit: 100, Window: time.Minute},
		DimGeneralByIP:            {Limit: 50, Window: time.Minute},
		DimSensitiveOpByPrincipal: {Limit: 5, Window: time.Hour},
		DimEndpoint:               {Limit: 60, Window: time.Minute},
	}
}

// ErrUnavailable signals that the counter backend cannot be reached.
var ErrUnavailable = errors.New("ratelimit: counter backend unavailable")

// Counter is the atomic fixed-window backend. Incr returns the count
// after the increment and the time left in the current window; the first
// hit in a window arms the window expiry in the same round trip. Forgive
// undoes one hit, flooring at zero.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	Forgive(ctx context.Context, key string) error
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter applies the policy table to a Counter backend.
type Limiter struct {
	counter  Counter
	policies map[Dimension]Policy
	sink     audit.Sink
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicy overrides the standing policy for one dimension.
func WithPolicy(dim Dimension, p Policy) Option {
	return func(l *Limiter) { l.policies[dim] = p }
}

// WithAuditSink makes denials emit audit events.
func WithAuditSink(sink audit.Sink) Option {
	return func(l *Limiter) { l.sink = sink }
}

// New builds a Limiter over the given counter backend with the standing
// policy table.
func New(counter Counter, opts ...Option) *Limiter {
	l := &Limiter{counter: counter, policies: DefaultPolicies()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the standing policy for a dimension.
func (l *Limiter) Policy(dim Dimension) Policy { return l.policies[dim] }

func bucketKey(dim Dimension, subject string) string {
	return "ratelimit:" + string(dim) + ":" + subject
}

// CheckAndIncrement counts one hit against (dimension, subject) and
// decides admission. Denial is uniform for the rest of the window.
func (l *Limiter) CheckAndIncrement(ctx context.Context, dim Dimension, subject string) (Decision, error) {
	return l.checkCeiling(ctx, dim, subject, l.policies[dim].Limit)
}

// CheckCeiling is CheckAndIncrement with a per-call limit override. Used
// for role-scaled general quotas and for reduced ceilings on flagged IPs.
func (l *Limiter) CheckCeiling(ctx context.Context, dim Dimension, subject string, limit int64) (Decision, error) {
	return l.checkCeiling(ctx, dim, subject, limit)
}

func (l *Limiter) checkCeiling(ctx context.Context, dim Dimension, subject string, limit int64) (Decision, error) {
	policy := l.policies[dim]
	if limit <= 0 {
		limit = policy.Limit
	}
	count, ttl, err := l.counter.Incr(ctx, bucketKey(dim, subject), policy.Window)
	if err != nil {
		return Decision{}, err
	}
	if count > limit {
		obs.CountRateLimitDenial(string(dim))
		l.emitDenial(ctx, dim, subject, count, limit)
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: limit - count}, nil
}

// Forgive removes one hit from (dimension, subject). Login handlers call
// this after a successful credential check so that only failures count
// against the login-by-email bucket.
func (l *Limiter) Forgive(ctx context.Context, dim Dimension, subject string) error {
	return l.counter.Forgive(ctx, bucketKey(dim, subject))
}

func (l *Limiter) emitDenial(ctx context.Context, dim Dimension, subject string, count, limit int64) {
	if l.sink == nil {
		return
	}
	l.sink.Emit(ctx, audit.Event{
		EventType: "ratelimit.denied",
		Resource:  "ratelimit",
		Action:    "deny",
		Outcome:   audit.OutcomeFailure,
		Details: map[string]any{
			"dimension": string(dim),
			"subject":   subject,
			"count":     count,
			"limit":     limit,
		},
	})
}

// Package anomaly turns authentication failures into lockouts and flags
// abusive client IPs. Lockout state is authoritative on the principal
// record; IP flags are ephemeral and live in the session store with a
// TTL.
package anomaly

import (
	"context"
	"errors"
	"time"

	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/obs"
	"fxdesk.org/internal/session"
)

const (
	defaultThreshold = 5
	defaultLockout   = 15 * time.Minute
)

// Detector applies the lockout and IP-flagging rules.
type Detector struct {
	principals auth.PrincipalStore
	values     session.Store
	sink       audit.Sink
	now        func() time.Time

	threshold int
	lockout   time.Duration
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets how many failed logins trip a lockout.
func WithThreshold(n int) Option {
	return func(d *Detector) { d.threshold = n }
}

// WithLockoutDuration sets how long a tripped lockout lasts. IP flags use
// the same duration.
func WithLockoutDuration(dur time.Duration) Option {
	return func(d *Detector) { d.lockout = dur }
}

// WithAuditSink routes lockout and flag events to the given sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(d *Detector) { d.sink = sink }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector builds a Detector over the principal and value stores.
func NewDetector(principals auth.PrincipalStore, values session.Store, opts ...Option) *Detector {
	d := &Detector{
		principals: principals,
		values:     values,
		now:        time.Now,
		threshold:  defaultThreshold,
		lockout:    defaultLockout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FailedLogin records one failed attempt against the principal and locks
// the account once the threshold is reached. bucketExhausted carries the
// rate limiter's verdict for the same email; the bucket is authoritative,
// so an exhausted bucket locks even if the attempt counter lost an update.
func (d *Detector) FailedLogin(ctx context.Context, principalID, ip string, bucketExhausted bool) error {
	now := d.now().UTC()
	var locked bool
	var attempts int
	err := d.mutate(ctx, principalID, func(p *auth.Principal) {
		p.FailedAttempts++
		attempts = p.FailedAttempts
		if p.FailedAttempts >= d.threshold || bucketExhausted {
			until := now.Add(d.lockout)
			p.LockedUntil = &until
			locked = true
		}
	})
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}

	obs.CountLockout()
	d.emit(ctx, audit.Event{
		EventType:   "anomaly.lockout",
		Severity:    audit.SeverityHigh,
		PrincipalID: principalID,
		IP:          ip,
		Resource:    "principal",
		Action:      "lock",
		Outcome:     audit.OutcomeFailure,
		Details:     map[string]any{"failed_attempts": attempts, "locked_for": d.lockout.String()},
	})
	return nil
}

// SuccessfulLogin clears the failure counter and any lockout.
func (d *Detector) SuccessfulLogin(ctx context.Context, principalID string) error {
	return d.mutate(ctx, principalID, func(p *auth.Principal) {
		p.FailedAttempts = 0
		p.LockedUntil = nil
	})
}

// FlagIP marks an IP suspicious for the lockout duration. Flagged IPs get
// a reduced rate ceiling and elevated audit from the middleware.
func (d *Detector) FlagIP(ctx context.Context, ip string) error {
	if err := d.values.SetValue(ctx, ipFlagKey(ip), "1", d.lockout); err != nil {
		return err
	}
	d.emit(ctx, audit.Event{
		EventType: "anomaly.ip_flagged",
		Severity:  audit.SeverityHigh,
		IP:        ip,
		Resource:  "ip",
		Action:    "flag",
		Outcome:   audit.OutcomeFailure,
		Details:   map[string]any{"flagged_for": d.lockout.String()},
	})
	return nil
}

// IPFlagged reports whether the IP currently carries a flag. Store errors
// read as not flagged so a degraded store cannot block all traffic.
func (d *Detector) IPFlagged(ctx context.Context, ip string) bool {
	_, err := d.values.GetValue(ctx, ipFlagKey(ip))
	return err == nil
}

// NoteSensitiveAccess emits the elevated event required for admin
// endpoints and signature failures.
func (d *Detector) NoteSensitiveAccess(ctx context.Context, p *auth.Principal, resource, action string) {
	d.emit(ctx, audit.Event{
		EventType:   "anomaly.sensitive_access",
		Severity:    audit.SeverityHigh,
		PrincipalID: p.ID,
		TenantID:    p.TenantID,
		Resource:    resource,
		Action:      action,
		Outcome:     audit.OutcomeSuccess,
	})
}

func (d *Detector) mutate(ctx context.Context, principalID string, fn func(*auth.Principal)) error {
	for attempt := 0; attempt < 50; attempt++ {
		p, err := d.principals.Find(ctx, principalID)
		if err != nil {
			return err
		}
		fn(p)
		err = d.principals.Update(ctx, p)
		if errors.Is(err, auth.ErrVersionConflict) {
			continue
		}
		return err
	}
	return auth.ErrVersionConflict
}

func (d *Detector) emit(ctx context.Context, e audit.Event) {
	if d.sink == nil {
		return
	}
	d.sink.Emit(ctx, e)
}

func ipFlagKey(ip string) string { return "ip_flag:" + ip }

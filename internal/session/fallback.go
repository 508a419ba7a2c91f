package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"fxdesk.org/internal/obs"
)

// Fallback degrades to an in-process Memory store when the primary backend
// is unreachable. Degradation is explicit: the health flag flips, the gauge
// is set, and operators see that blacklist coverage is local-only until the
// primary recovers.
type Fallback struct {
	primary  Store
	local    *Memory
	degraded atomic.Bool
}

// NewFallback wraps a primary store with a local degraded mode.
func NewFallback(primary Store) *Fallback {
	return &Fallback{primary: primary, local: NewMemory()}
}

// Degraded reports whether operations are being served locally.
func (f *Fallback) Degraded() bool { return f.degraded.Load() }

// Probe attempts to reach the primary and clears the degraded flag on
// success. Run it on a ticker.
func (f *Fallback) Probe(ctx context.Context) {
	if !f.degraded.Load() {
		return
	}
	if err := f.primary.Ping(ctx); err == nil {
		f.degraded.Store(false)
		obs.SetSessionStoreDegraded(false)
	}
}

func (f *Fallback) trip() {
	if f.degraded.CompareAndSwap(false, true) {
		obs.SetSessionStoreDegraded(true)
	}
}

// pick returns the store to use for the next operation.
func (f *Fallback) pick() Store {
	if f.degraded.Load() {
		return f.local
	}
	return f.primary
}

// run executes op against the current store and falls back to the local one
// when the primary reports unavailability.
func (f *Fallback) run(op func(Store) error) error {
	store := f.pick()
	err := op(store)
	if store != f.local && errors.Is(err, ErrUnavailable) {
		f.trip()
		return op(f.local)
	}
	return err
}

func (f *Fallback) PutSession(ctx context.Context, rec Record, ttl time.Duration) error {
	return f.run(func(s Store) error { return s.PutSession(ctx, rec, ttl) })
}

func (f *Fallback) GetSession(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := f.run(func(s Store) error {
		var opErr error
		rec, opErr = s.GetSession(ctx, id)
		return opErr
	})
	return rec, err
}

func (f *Fallback) UpdateSession(ctx context.Context, rec Record, ttl time.Duration) error {
	return f.run(func(s Store) error { return s.UpdateSession(ctx, rec, ttl) })
}

func (f *Fallback) DeleteSession(ctx context.Context, id string) error {
	return f.run(func(s Store) error { return s.DeleteSession(ctx, id) })
}

func (f *Fallback) SessionsByPrincipal(ctx context.Context, principalID string) ([]Record, error) {
	var out []Record
	err := f.run(func(s Store) error {
		var opErr error
		out, opErr = s.SessionsByPrincipal(ctx, principalID)
		return opErr
	})
	return out, err
}

func (f *Fallback) Blacklist(ctx context.Context, tokenID string, ttl time.Duration) error {
	return f.run(func(s Store) error { return s.Blacklist(ctx, tokenID, ttl) })
}

func (f *Fallback) IsBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	var hit bool
	err := f.run(func(s Store) error {
		var opErr error
		hit, opErr = s.IsBlacklisted(ctx, tokenID)
		return opErr
	})
	return hit, err
}

func (f *Fallback) PutFamily(ctx context.Context, fam Family, ttl time.Duration) error {
	return f.run(func(s Store) error { return s.PutFamily(ctx, fam, ttl) })
}

func (f *Fallback) GetFamily(ctx context.Context, id string) (Family, error) {
	var fam Family
	err := f.run(func(s Store) error {
		var opErr error
		fam, opErr = s.GetFamily(ctx, id)
		return opErr
	})
	return fam, err
}

func (f *Fallback) Consume(ctx context.Context, familyID, presentedID, newID string, ttl time.Duration) error {
	return f.run(func(s Store) error { return s.Consume(ctx, familyID, presentedID, newID, ttl) })
}

func (f *Fallback) DeleteFamily(ctx context.Context, id string) error {
	return f.run(func(s Store) error { return s.DeleteFamily(ctx, id) })
}

func (f *Fallback) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return f.run(func(s Store) error { return s.SetValue(ctx, key, value, ttl) })
}

func (f *Fallback) GetValue(ctx context.Context, key string) (string, error) {
	var val string
	err := f.run(func(s Store) error {
		var opErr error
		val, opErr = s.GetValue(ctx, key)
		return opErr
	})
	return val, err
}

func (f *Fallback) TakeValue(ctx context.Context, key string) (string, error) {
	var val string
	err := f.run(func(s Store) error {
		var opErr error
		val, opErr = s.TakeValue(ctx, key)
		return opErr
	})
	return val, err
}

func (f *Fallback) DeleteValue(ctx context.Context, key string) error {
	return f.run(func(s Store) error { return s.DeleteValue(ctx, key) })
}

func (f *Fallback) Ping(ctx context.Context) error {
	if f.degraded.Load() {
		return ErrUnavailable
	}
	return f.primary.Ping(ctx)
}

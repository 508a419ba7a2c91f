package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// FallbackCounter fronts a shared backend with an in-process counter.
// When the shared backend becomes unreachable the limiter keeps enforcing
// quotas locally rather than failing open; local counts are per-replica
// only, so ceilings are effectively multiplied by the replica count until
// the backend recovers.
type FallbackCounter struct {
	primary  Counter
	local    *MemoryCounter
	degraded atomic.Bool
}

// NewFallbackCounter wraps primary with a fresh local counter.
func NewFallbackCounter(primary Counter) *FallbackCounter {
	return &FallbackCounter{primary: primary, local: NewMemoryCounter()}
}

// Degraded reports whether admission is currently decided locally.
func (c *FallbackCounter) Degraded() bool { return c.degraded.Load() }

// Recover switches back to the shared backend. The session store's probe
// loop calls this once its own ping succeeds, since both share the
// backend endpoint.
func (c *FallbackCounter) Recover() { c.degraded.Store(false) }

func (c *FallbackCounter) Incr(ctx context.Context, key string, win time.Duration) (int64, time.Duration, error) {
	if !c.degraded.Load() {
		count, ttl, err := c.primary.Incr(ctx, key, win)
		if err == nil {
			return count, ttl, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return 0, 0, err
		}
		c.degraded.Store(true)
	}
	return c.local.Incr(ctx, key, win)
}

func (c *FallbackCounter) Forgive(ctx context.Context, key string) error {
	if !c.degraded.Load() {
		err := c.primary.Forgive(ctx, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return err
		}
		c.degraded.Store(true)
	}
	return c.local.Forgive(ctx, key)
}

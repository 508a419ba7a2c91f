package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int64
	reset time.Time
}

// MemoryCounter is an in-process fixed-window backend. Buckets reset
// lazily when a hit arrives after the window boundary.
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*window
	now     func() time.Time
}

// MemoryOption configures a MemoryCounter.
type MemoryOption func(*MemoryCounter)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCounter) { c.now = now }
}

// NewMemoryCounter builds an empty in-process counter.
func NewMemoryCounter(opts ...MemoryOption) *MemoryCounter {
	c := &MemoryCounter{
		buckets: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCounter) Incr(_ context.Context, key string, win time.Duration) (int64, time.Duration, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok || !now.Before(b.reset) {
		b = &window{reset: now.Add(win)}
		c.buckets[key] = b
	}
	b.count++
	return b.count, b.reset.Sub(now), nil
}

func (c *MemoryCounter) Forgive(_ context.Context, key string) error {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok || !now.Before(b.reset) {
		return nil
	}
	if b.count > 0 {
		b.count--
	}
	return nil
}

// Sweep drops expired buckets. Callers run it from a janitor goroutine.
func (c *MemoryCounter) Sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, b := range c.buckets {
		if !now.Before(b.reset) {
			delete(c.buckets, key)
		}
	}
}

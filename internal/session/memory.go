package session

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is the in-process Store. It backs tests, development deployments
// and the degraded mode of Fallback. Semantics match the Redis backend,
// including per-key TTLs enforced lazily on read and by a janitor sweep.
type Memory struct {
	mu        sync.Mutex
	sessions  map[string]entry[Record]
	blacklist map[string]time.Time
	families  map[string]entry[Family]
	values    map[string]entry[string]
	now       func() time.Time
}

type entry[T any] struct {
	val       T
	expiresAt time.Time
}

func (e entry[T]) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory builds an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		sessions:  make(map[string]entry[Record]),
		blacklist: make(map[string]time.Time),
		families:  make(map[string]entry[Family]),
		values:    make(map[string]entry[string]),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *Memory) PutSession(_ context.Context, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = entry[Record]{val: rec, expiresAt: expiry(m.now(), ttl)}
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || !e.live(m.now()) {
		delete(m.sessions, id)
		return Record{}, ErrNotFound
	}
	return e.val, nil
}

func (m *Memory) UpdateSession(_ context.Context, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[rec.ID]
	if !ok || !e.live(m.now()) {
		delete(m.sessions, rec.ID)
		return ErrNotFound
	}
	m.sessions[rec.ID] = entry[Record]{val: rec, expiresAt: expiry(m.now(), ttl)}
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *Memory) SessionsByPrincipal(_ context.Context, principalID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Record
	for id, e := range m.sessions {
		if !e.live(now) {
			delete(m.sessions, id)
			continue
		}
		if e.val.PrincipalID == principalID {
			out = append(out, e.val)
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *Memory) Blacklist(_ context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist[tokenID] = expiry(m.now(), ttl)
	return nil
}

func (m *Memory) IsBlacklisted(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.blacklist[tokenID]
	if !ok {
		return false, nil
	}
	if !until.IsZero() && !m.now().Before(until) {
		delete(m.blacklist, tokenID)
		return false, nil
	}
	return true, nil
}

func (m *Memory) PutFamily(_ context.Context, fam Family, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.families[fam.ID] = entry[Family]{val: fam, expiresAt: expiry(m.now(), ttl)}
	return nil
}

func (m *Memory) GetFamily(_ context.Context, id string) (Family, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.families[id]
	if !ok || !e.live(m.now()) {
		delete(m.families, id)
		return Family{}, ErrNotFound
	}
	return e.val, nil
}

func (m *Memory) Consume(_ context.Context, familyID, presentedID, newID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.families[familyID]
	if !ok || !e.live(m.now()) {
		delete(m.families, familyID)
		return ErrNotFound
	}
	fam := e.val
	if fam.CurrentTokenID != presentedID {
		return ErrTokenConsumed
	}
	fam.Consumed = append(fam.Consumed, presentedID)
	fam.CurrentTokenID = newID
	m.families[familyID] = entry[Family]{val: fam, expiresAt: expiry(m.now(), ttl)}
	return nil
}

func (m *Memory) DeleteFamily(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.families, id)
	return nil
}

func (m *Memory) SetValue(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = entry[string]{val: value, expiresAt: expiry(m.now(), ttl)}
	return nil
}

func (m *Memory) GetValue(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok || !e.live(m.now()) {
		delete(m.values, key)
		return "", ErrNotFound
	}
	return e.val, nil
}

func (m *Memory) TakeValue(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok || !e.live(m.now()) {
		delete(m.values, key)
		return "", ErrNotFound
	}
	delete(m.values, key)
	return e.val, nil
}

func (m *Memory) DeleteValue(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Sweep removes expired entries. Callers run it periodically; reads already
// ignore dead entries, this only reclaims memory.
func (m *Memory) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, e := range m.sessions {
		if !e.live(now) {
			delete(m.sessions, id)
		}
	}
	for id, until := range m.blacklist {
		if !until.IsZero() && !now.Before(until) {
			delete(m.blacklist, id)
		}
	}
	for id, e := range m.families {
		if !e.live(now) {
			delete(m.families, id)
		}
	}
	for k, e := range m.values {
		if !e.live(now) {
			delete(m.values, k)
		}
	}
}

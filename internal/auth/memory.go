package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"fxdesk.org/internal/ids"
)

// MemoryPrincipalStore is an in-process PrincipalStore used for development
// deployments without a database and for tests.
type MemoryPrincipalStore struct {
	mu      sync.RWMutex
	byID    map[string]*Principal
	byEmail map[string]string
}

func NewMemoryPrincipalStore() *MemoryPrincipalStore {
	return &MemoryPrincipalStore{
		byID:    make(map[string]*Principal),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryPrincipalStore) Create(_ context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if _, ok := s.byEmail[email]; ok {
		return ErrAlreadyExists
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	now := time.Now().UTC()
	p.Email = email
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Version = 1
	cp := clonePrincipal(p)
	s.byID[p.ID] = cp
	s.byEmail[email] = p.ID
	return nil
}

func (s *MemoryPrincipalStore) Find(_ context.Context, id string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (s *MemoryPrincipalStore) FindByEmail(_ context.Context, email string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrincipal(s.byID[id]), nil
}

func (s *MemoryPrincipalStore) Update(_ context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[p.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	s.byID[p.ID] = clonePrincipal(p)
	return nil
}

func clonePrincipal(p *Principal) *Principal {
	cp := *p
	cp.ExplicitPermissions = append([]Permission(nil), p.ExplicitPermissions...)
	cp.BackupCodes = append([]string(nil), p.BackupCodes...)
	cp.IPWhitelist = append([]string(nil), p.IPWhitelist...)
	if p.LockedUntil != nil {
		t := *p.LockedUntil
		cp.LockedUntil = &t
	}
	return &cp
}

// MemoryTenantStore is the in-process TenantStore counterpart.
type MemoryTenantStore struct {
	mu   sync.RWMutex
	byID map[string]*Tenant
}

func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{byID: make(map[string]*Tenant)}
}

func (s *MemoryTenantStore) Create(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = ids.New()
	}
	if _, ok := s.byID[t.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	s.byID[t.ID] = &cp
	return nil
}

func (s *MemoryTenantStore) Find(_ context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTenantStore) Move(_ context.Context, id, newParentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	parent, ok := s.byID[newParentID]
	if !ok {
		return ErrNotFound
	}
	t.ParentID = newParentID
	t.Level = parent.Level + 1
	t.UpdatedAt = time.Now().UTC()
	return nil
}

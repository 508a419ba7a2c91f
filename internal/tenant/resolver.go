// Package tenant resolves whether a principal may act on a target tenant.
// Tenants form a tree; a principal reaches its own tenant and everything
// below it. Decisions are cached per (principal tenant, target tenant)
// pair and the cache is flushed when a tenant is moved.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/auth"
)

// Scope describes how wide an allowed decision reaches.
type Scope string

const (
	ScopeSelf    Scope = "self"
	ScopeSubtree Scope = "subtree"
	ScopeAll     Scope = "all"
)

// Decision is the outcome of one resolution.
type Decision struct {
	Allowed bool
	Scope   Scope
	Reason  string
}

// maxDepth bounds the upward walk. A legitimate hierarchy is a handful of
// levels deep; anything past this is treated as corrupt.
const maxDepth = 32

// Resolver walks the tenant hierarchy upward from the target.
type Resolver struct {
	tenants auth.TenantStore
	sink    audit.Sink

	mu    sync.RWMutex
	cache map[cacheKey]Decision
}

type cacheKey struct {
	principalTenant string
	targetTenant    string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAuditSink makes cross-tenant denials emit audit events.
func WithAuditSink(sink audit.Sink) Option {
	return func(r *Resolver) { r.sink = sink }
}

// NewResolver builds a Resolver over the given tenant store.
func NewResolver(tenants auth.TenantStore, opts ...Option) *Resolver {
	r := &Resolver{
		tenants: tenants,
		cache:   make(map[cacheKey]Decision),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve decides whether the principal may act on targetTenantID.
// super_admin reaches every tenant. Other roles reach their own tenant
// and its subtree. A cycle in the hierarchy is a hard error.
func (r *Resolver) Resolve(ctx context.Context, p *auth.Principal, targetTenantID string) (Decision, error) {
	if p.Role == auth.RoleSuperAdmin {
		return Decision{Allowed: true, Scope: ScopeAll}, nil
	}
	if targetTenantID == "" || p.TenantID == "" {
		return r.deny(ctx, p, targetTenantID, "no tenant scope"), nil
	}
	if targetTenantID == p.TenantID {
		return Decision{Allowed: true, Scope: ScopeSelf}, nil
	}

	key := cacheKey{principalTenant: p.TenantID, targetTenant: targetTenantID}
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		if !cached.Allowed {
			return r.deny(ctx, p, targetTenantID, cached.Reason), nil
		}
		return cached, nil
	}

	decision, err := r.walk(ctx, p.TenantID, targetTenantID)
	if err != nil {
		return Decision{}, err
	}
	r.mu.Lock()
	r.cache[key] = decision
	r.mu.Unlock()

	if !decision.Allowed {
		return r.deny(ctx, p, targetTenantID, decision.Reason), nil
	}
	return decision, nil
}

// walk climbs from the target toward the root looking for the principal's
// tenant. Visited ids are tracked so a corrupted parent chain cannot loop
// forever.
func (r *Resolver) walk(ctx context.Context, principalTenantID, targetTenantID string) (Decision, error) {
	visited := make(map[string]bool, 8)
	current := targetTenantID
	for depth := 0; depth < maxDepth; depth++ {
		if visited[current] {
			return Decision{}, fmt.Errorf("%w: cycle at tenant %s", auth.ErrCorruptHierarchy, current)
		}
		visited[current] = true

		t, err := r.tenants.Find(ctx, current)
		if errors.Is(err, auth.ErrNotFound) {
			return Decision{Allowed: false, Reason: "target tenant not found"}, nil
		}
		if err != nil {
			return Decision{}, err
		}
		if t.ParentID == "" {
			return Decision{Allowed: false, Reason: "target outside principal subtree"}, nil
		}
		if t.ParentID == principalTenantID {
			return Decision{Allowed: true, Scope: ScopeSubtree}, nil
		}
		current = t.ParentID
	}
	return Decision{}, fmt.Errorf("%w: depth limit exceeded walking from %s", auth.ErrCorruptHierarchy, targetTenantID)
}

// CheckActive reports whether a tenant currently accepts logins. Statuses
// are not cached; suspension must take effect immediately.
func (r *Resolver) CheckActive(ctx context.Context, tenantID string) error {
	t, err := r.tenants.Find(ctx, tenantID)
	if errors.Is(err, auth.ErrNotFound) {
		return auth.ErrTenantInactive
	}
	if err != nil {
		return err
	}
	if t.Status != auth.TenantStatusActive {
		return auth.ErrTenantInactive
	}
	return nil
}

// Invalidate flushes all cached decisions. Called after a tenant move
// since any ancestry pair may have changed.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[cacheKey]Decision)
	r.mu.Unlock()
}

// Move reparents a tenant and flushes the decision cache.
func (r *Resolver) Move(ctx context.Context, tenantID, newParentID string) error {
	if err := r.tenants.Move(ctx, tenantID, newParentID); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

func (r *Resolver) deny(ctx context.Context, p *auth.Principal, targetTenantID, reason string) Decision {
	if r.sink != nil {
		r.sink.Emit(ctx, audit.Event{
			EventType:   "tenant.access_denied",
			Severity:    audit.SeverityHigh,
			PrincipalID: p.ID,
			TenantID:    p.TenantID,
			Resource:    "tenant",
			Action:      "resolve",
			Outcome:     audit.OutcomeFailure,
			Details:     map[string]any{"target_tenant_id": targetTenantID, "reason": reason},
		})
	}
	return Decision{Allowed: false, Reason: reason}
}

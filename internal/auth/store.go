package auth

import "context"

// PrincipalStore persists principals. Update applies optimistic locking on
// the Version field and returns ErrVersionConflict when the record moved.
type PrincipalStore interface {
	Create(ctx context.Context, p *Principal) error
	Find(ctx context.Context, id string) (*Principal, error)
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	Update(ctx context.Context, p *Principal) error
}

// TenantStore persists the tenant hierarchy.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (*Tenant, error)
	// Move reparents a tenant. Rare administrative operation; resolver caches
	// must be invalidated afterwards.
	Move(ctx context.Context, id, newParentID string) error
}

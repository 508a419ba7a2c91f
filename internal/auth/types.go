package auth

import "time"

// Role is one of the predefined platform roles.
type Role string

const (
	RoleSuperAdmin  Role = "super_admin"
	RoleTenantAdmin Role = "tenant_admin"
	RoleBranchAdmin Role = "branch_admin"
	RoleManager     Role = "manager"
	RoleStaff       Role = "staff"
	RoleCustomer    Role = "customer"
)

// Valid reports whether the role is one of the predefined set.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleTenantAdmin, RoleBranchAdmin, RoleManager, RoleStaff, RoleCustomer:
		return true
	}
	return false
}

// RequiresMFA reports whether the role may not log in without MFA enabled.
func (r Role) RequiresMFA() bool {
	return r == RoleSuperAdmin || r == RoleTenantAdmin
}

// GeneralRateCeiling returns the per-minute request budget for the role.
func (r Role) GeneralRateCeiling() int {
	switch r {
	case RoleSuperAdmin, RoleTenantAdmin:
		return 500
	case RoleBranchAdmin, RoleManager:
		return 200
	default:
		return 100
	}
}

// Status values of a principal. Principals are never deleted; a tombstone
// status is used instead.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusLocked   = "locked"
	StatusPending  = "pending"
)

// Permission is a (resource, action) capability tuple. Action "*" grants
// every action on the resource.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Principal is an authenticated actor.
type Principal struct {
	ID                   string       `json:"id"`
	Email                string       `json:"email"`
	PasswordHash         string       `json:"-"`
	Role                 Role         `json:"role"`
	ExplicitPermissions  []Permission `json:"explicit_permissions,omitempty"`
	TenantID             string       `json:"tenant_id"`
	BranchID             string       `json:"branch_id,omitempty"`
	Status               string       `json:"status"`
	MFAEnabled           bool         `json:"mfa_enabled"`
	MFASecret            string       `json:"-"` // AES-GCM sealed, base64
	BackupCodes          []string     `json:"-"` // sha256 hex of remaining codes
	FailedAttempts       int          `json:"-"`
	LockedUntil          *time.Time   `json:"-"`
	LastPasswordChangeAt time.Time    `json:"-"`
	IPWhitelist          []string     `json:"-"`
	Version              int64        `json:"-"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Locked reports whether the principal is under an active lockout at now.
func (p *Principal) Locked(now time.Time) bool {
	if p.Status == StatusLocked {
		return true
	}
	return p.LockedUntil != nil && now.Before(*p.LockedUntil)
}

// Tenant is an organisational unit. Tenants form a hierarchy rooted at the
// platform tenant (level 0); levels strictly increase along parent edges.
type Tenant struct {
	ID               string         `json:"id"`
	ParentID         string         `json:"parent_id,omitempty"`
	Level            int            `json:"level"`
	OwnerPrincipalID string         `json:"owner_principal_id"`
	Status           string         `json:"status"`
	Settings         map[string]any `json:"settings,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TenantStatusActive is the only status under which a tenant accepts logins.
const TenantStatusActive = "active"

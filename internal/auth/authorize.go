package auth

// Alternative is one branch of an authorisation assertion: either a role
// name or a resource:action requirement. Exactly one field is set.
type Alternative struct {
	Role Role
	Perm *Permission
}

// Assertion is a list of alternatives; a request is authorised when at least
// one alternative matches the principal.
type Assertion []Alternative

// AnyRole builds an assertion satisfied by any of the given roles.
func AnyRole(roles ...Role) Assertion {
	out := make(Assertion, 0, len(roles))
	for _, r := range roles {
		out = append(out, Alternative{Role: r})
	}
	return out
}

// RequirePermission builds a single-alternative assertion on (resource, action).
func RequirePermission(resource, action string) Assertion {
	return Assertion{{Perm: &Permission{Resource: resource, Action: action}}}
}

// Or appends further alternatives to the assertion.
func (a Assertion) Or(alts ...Alternative) Assertion {
	return append(a, alts...)
}

// rolePermissions is the compile-time role -> implied permission table.
// Resource "*" and action "*" are wildcards.
var rolePermissions = map[Role][]Permission{
	RoleSuperAdmin: {
		{Resource: "*", Action: "*"},
	},
	RoleTenantAdmin: {
		{Resource: "users", Action: "*"},
		{Resource: "customers", Action: "*"},
		{Resource: "transactions", Action: "*"},
		{Resource: "remittances", Action: "*"},
		{Resource: "reports", Action: "*"},
		{Resource: "settings", Action: "*"},
		{Resource: "tenants", Action: "read"},
	},
	RoleBranchAdmin: {
		{Resource: "users", Action: "read"},
		{Resource: "customers", Action: "*"},
		{Resource: "transactions", Action: "*"},
		{Resource: "remittances", Action: "*"},
		{Resource: "reports", Action: "read"},
	},
	RoleManager: {
		{Resource: "customers", Action: "*"},
		{Resource: "transactions", Action: "*"},
		{Resource: "remittances", Action: "read"},
		{Resource: "reports", Action: "read"},
	},
	RoleStaff: {
		{Resource: "customers", Action: "read"},
		{Resource: "transactions", Action: "create"},
		{Resource: "transactions", Action: "read"},
	},
	RoleCustomer: {
		{Resource: "profile", Action: "read"},
		{Resource: "profile", Action: "update"},
		{Resource: "remittances", Action: "create"},
		{Resource: "remittances", Action: "read"},
	},
}

// Authorize evaluates the assertion against the principal. It inspects only
// the principal and the declared assertion, never the request body.
func Authorize(p *Principal, assertion Assertion) error {
	if p == nil {
		return ErrInsufficientRole
	}
	if len(assertion) == 0 {
		return nil
	}
	sawRole, sawPerm := false, false
	for _, alt := range assertion {
		switch {
		case alt.Perm != nil:
			sawPerm = true
			if hasPermission(p, *alt.Perm) {
				return nil
			}
		case alt.Role != "":
			sawRole = true
			if p.Role == alt.Role {
				return nil
			}
		}
	}
	if sawPerm {
		return ErrInsufficientPermissions
	}
	if sawRole {
		return ErrInsufficientRole
	}
	return ErrInsufficientRole
}

func hasPermission(p *Principal, want Permission) bool {
	for _, have := range p.ExplicitPermissions {
		if permissionMatches(have, want) {
			return true
		}
	}
	for _, have := range rolePermissions[p.Role] {
		if permissionMatches(have, want) {
			return true
		}
	}
	return false
}

func permissionMatches(have, want Permission) bool {
	if have.Resource != "*" && have.Resource != want.Resource {
		return false
	}
	return have.Action == "*" || have.Action == want.Action
}

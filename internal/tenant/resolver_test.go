package tenant

import (
	"context"
	"errors"
	"testing"

	"fxdesk.org/internal/auth"
)

// buildTree creates root -> branch -> desk plus a sibling tree.
func buildTree(t *testing.T) *auth.MemoryTenantStore {
	t.Helper()
	store := auth.NewMemoryTenantStore()
	ctx := context.Background()
	tenants := []*auth.Tenant{
		{ID: "tn_root", Status: auth.TenantStatusActive},
		{ID: "tn_branch", ParentID: "tn_root", Level: 1, Status: auth.TenantStatusActive},
		{ID: "tn_desk", ParentID: "tn_branch", Level: 2, Status: auth.TenantStatusActive},
		{ID: "tn_other", ParentID: "tn_root", Level: 1, Status: auth.TenantStatusActive},
	}
	for _, tn := range tenants {
		if err := store.Create(ctx, tn); err != nil {
			t.Fatalf("create tenant %s: %v", tn.ID, err)
		}
	}
	return store
}

func principalAt(tenantID string, role auth.Role) *auth.Principal {
	return &auth.Principal{ID: "pr_1", Role: role, TenantID: tenantID, Status: auth.StatusActive}
}

func TestResolveSelf(t *testing.T) {
	r := NewResolver(buildTree(t))
	d, err := r.Resolve(context.Background(), principalAt("tn_branch", auth.RoleTenantAdmin), "tn_branch")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !d.Allowed || d.Scope != ScopeSelf {
		t.Fatalf("decision = %+v, want allow self", d)
	}
}

func TestResolveSubtree(t *testing.T) {
	r := NewResolver(buildTree(t))
	d, err := r.Resolve(context.Background(), principalAt("tn_branch", auth.RoleTenantAdmin), "tn_desk")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !d.Allowed || d.Scope != ScopeSubtree {
		t.Fatalf("decision = %+v, want allow subtree", d)
	}
}

func TestResolveDeniesSiblingAndAncestor(t *testing.T) {
	r := NewResolver(buildTree(t))
	ctx := context.Background()

	d, err := r.Resolve(ctx, principalAt("tn_branch", auth.RoleTenantAdmin), "tn_other")
	if err != nil {
		t.Fatalf("Resolve sibling: %v", err)
	}
	if d.Allowed {
		t.Fatal("sibling tenant allowed, want deny")
	}

	d, err = r.Resolve(ctx, principalAt("tn_desk", auth.RoleBranchAdmin), "tn_root")
	if err != nil {
		t.Fatalf("Resolve ancestor: %v", err)
	}
	if d.Allowed {
		t.Fatal("ancestor tenant allowed, want deny")
	}
}

func TestSuperAdminReachesEverything(t *testing.T) {
	r := NewResolver(buildTree(t))
	d, err := r.Resolve(context.Background(), principalAt("tn_desk", auth.RoleSuperAdmin), "tn_other")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !d.Allowed || d.Scope != ScopeAll {
		t.Fatalf("decision = %+v, want allow all", d)
	}
}

func TestResolveUnknownTarget(t *testing.T) {
	r := NewResolver(buildTree(t))
	d, err := r.Resolve(context.Background(), principalAt("tn_root", auth.RoleTenantAdmin), "tn_missing")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Allowed {
		t.Fatal("unknown target allowed, want deny")
	}
}

func TestCycleIsHardError(t *testing.T) {
	store := auth.NewMemoryTenantStore()
	ctx := context.Background()
	store.Create(ctx, &auth.Tenant{ID: "tn_a", ParentID: "tn_b", Status: auth.TenantStatusActive})
	store.Create(ctx, &auth.Tenant{ID: "tn_b", ParentID: "tn_a", Status: auth.TenantStatusActive})

	r := NewResolver(store)
	_, err := r.Resolve(ctx, principalAt("tn_elsewhere", auth.RoleTenantAdmin), "tn_a")
	if !errors.Is(err, auth.ErrCorruptHierarchy) {
		t.Fatalf("err = %v, want CORRUPT_HIERARCHY", err)
	}
}

func TestMoveInvalidatesCache(t *testing.T) {
	store := buildTree(t)
	r := NewResolver(store)
	ctx := context.Background()
	p := principalAt("tn_branch", auth.RoleTenantAdmin)

	d, err := r.Resolve(ctx, p, "tn_desk")
	if err != nil || !d.Allowed {
		t.Fatalf("before move: allowed=%v err=%v", d.Allowed, err)
	}

	if err := r.Move(ctx, "tn_desk", "tn_other"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	d, err = r.Resolve(ctx, p, "tn_desk")
	if err != nil {
		t.Fatalf("after move: %v", err)
	}
	if d.Allowed {
		t.Fatal("stale cached decision survived the move")
	}
}

func TestCacheServesRepeatedChecks(t *testing.T) {
	store := buildTree(t)
	counting := &countingTenantStore{MemoryTenantStore: store}
	r := NewResolver(counting)
	ctx := context.Background()
	p := principalAt("tn_branch", auth.RoleTenantAdmin)

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, p, "tn_desk"); err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
	}
	if counting.finds != 1 {
		t.Fatalf("store lookups = %d, want 1 after caching", counting.finds)
	}
}

type countingTenantStore struct {
	*auth.MemoryTenantStore
	finds int
}

func (s *countingTenantStore) Find(ctx context.Context, id string) (*auth.Tenant, error) {
	s.finds++
	return s.MemoryTenantStore.Find(ctx, id)
}

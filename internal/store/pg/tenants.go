package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fxdesk.org/internal/auth"
)

// TenantStore persists the tenant hierarchy.
type TenantStore struct {
	db *sql.DB
}

var _ auth.TenantStore = (*TenantStore)(nil)

func (s *TenantStore) Create(ctx context.Context, t *auth.Tenant) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	settings := []byte("{}")
	if len(t.Settings) > 0 {
		raw, err := json.Marshal(t.Settings)
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		settings = raw
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	var parent any
	if t.ParentID != "" {
		parent = t.ParentID
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tenants (id, parent_id, level, owner_principal_id, status, settings, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, t.ID, parent, t.Level, t.OwnerPrincipalID, t.Status, settings, t.CreatedAt, t.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s *TenantStore) Find(ctx context.Context, id string) (*auth.Tenant, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		t        auth.Tenant
		parent   sql.NullString
		settings []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, parent_id, level, owner_principal_id, status, settings, created_at, updated_at
		from tenants
		where id = $1
	`, id).Scan(&t.ID, &parent, &t.Level, &t.OwnerPrincipalID, &t.Status, &settings, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		t.ParentID = parent.String
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &t.Settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	return &t, nil
}

// Move reparents a tenant and recomputes its level from the new parent.
func (s *TenantStore) Move(ctx context.Context, id, newParentID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update tenants
		set parent_id = $2,
		    level = (select level + 1 from tenants where id = $2),
		    updated_at = now()
		where id = $1
	`, id, newParentID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"fxdesk.org/internal/auth"
)

const (
	pgErrUniqueViolation = "23505"
)

// PrincipalStore persists principals with optimistic locking on the
// version column.
type PrincipalStore struct {
	db *sql.DB
}

var _ auth.PrincipalStore = (*PrincipalStore)(nil)

const principalColumns = `
	id, email, password_hash, role, explicit_permissions, tenant_id, branch_id,
	status, mfa_enabled, mfa_secret, backup_codes, failed_attempts, locked_until,
	last_password_change_at, ip_whitelist, version, created_at, updated_at
`

func (s *PrincipalStore) Create(ctx context.Context, p *auth.Principal) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	perms, err := json.Marshal(p.ExplicitPermissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	codes, err := json.Marshal(p.BackupCodes)
	if err != nil {
		return fmt.Errorf("marshal backup codes: %w", err)
	}
	whitelist, err := json.Marshal(p.IPWhitelist)
	if err != nil {
		return fmt.Errorf("marshal ip whitelist: %w", err)
	}

	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		insert into principals (`+principalColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, p.ID, p.Email, p.PasswordHash, string(p.Role), perms, p.TenantID, p.BranchID,
		p.Status, p.MFAEnabled, p.MFASecret, codes, p.FailedAttempts, p.LockedUntil,
		p.LastPasswordChangeAt, whitelist, p.Version, p.CreatedAt, p.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s *PrincipalStore) Find(ctx context.Context, id string) (*auth.Principal, error) {
	return s.findBy(ctx, "id", id)
}

func (s *PrincipalStore) FindByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	return s.findBy(ctx, "email", email)
}

func (s *PrincipalStore) findBy(ctx context.Context, column, value string) (*auth.Principal, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+principalColumns+`
		from principals
		where `+column+` = $1
	`, value)
	return scanPrincipal(row)
}

func scanPrincipal(row *sql.Row) (*auth.Principal, error) {
	var (
		p         auth.Principal
		role      string
		perms     []byte
		codes     []byte
		whitelist []byte
		locked    sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &role, &perms, &p.TenantID, &p.BranchID,
		&p.Status, &p.MFAEnabled, &p.MFASecret, &codes, &p.FailedAttempts, &locked,
		&p.LastPasswordChangeAt, &whitelist, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Role = auth.Role(role)
	if locked.Valid {
		t := locked.Time
		p.LockedUntil = &t
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &p.ExplicitPermissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	if len(codes) > 0 {
		if err := json.Unmarshal(codes, &p.BackupCodes); err != nil {
			return nil, fmt.Errorf("decode backup codes: %w", err)
		}
	}
	if len(whitelist) > 0 {
		if err := json.Unmarshal(whitelist, &p.IPWhitelist); err != nil {
			return nil, fmt.Errorf("decode ip whitelist: %w", err)
		}
	}
	return &p, nil
}

// Update writes the record guarded by the version it was read at. Zero
// rows affected means another writer got there first.
func (s *PrincipalStore) Update(ctx context.Context, p *auth.Principal) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	perms, err := json.Marshal(p.ExplicitPermissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	codes, err := json.Marshal(p.BackupCodes)
	if err != nil {
		return fmt.Errorf("marshal backup codes: %w", err)
	}
	whitelist, err := json.Marshal(p.IPWhitelist)
	if err != nil {
		return fmt.Errorf("marshal ip whitelist: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		update principals
		set email = $2, password_hash = $3, role = $4, explicit_permissions = $5,
		    tenant_id = $6, branch_id = $7, status = $8, mfa_enabled = $9,
		    mfa_secret = $10, backup_codes = $11, failed_attempts = $12,
		    locked_until = $13, last_password_change_at = $14, ip_whitelist = $15,
		    version = version + 1, updated_at = now()
		where id = $1 and version = $16
	`, p.ID, p.Email, p.PasswordHash, string(p.Role), perms, p.TenantID, p.BranchID,
		p.Status, p.MFAEnabled, p.MFASecret, codes, p.FailedAttempts, p.LockedUntil,
		p.LastPasswordChangeAt, whitelist, p.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrVersionConflict
	}
	p.Version++
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

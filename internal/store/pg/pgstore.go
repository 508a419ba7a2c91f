// Package pg persists principals and tenants in Postgres.
package pg

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store owns the connection pool. Principal and tenant stores share it.
type Store struct {
	db *sql.DB
}

// Open dials Postgres via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Principals returns the principal store view.
func (s *Store) Principals() *PrincipalStore { return &PrincipalStore{db: s.db} }

// Tenants returns the tenant store view.
func (s *Store) Tenants() *TenantStore { return &TenantStore{db: s.db} }

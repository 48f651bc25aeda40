package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// PGTenantStore implements store.TenantStore backed by Postgres.
type PGTenantStore struct {
	db *sql.DB
}

func NewPGTenantStore(db *sql.DB) *PGTenantStore {
	return &PGTenantStore{db: db}
}

func (s *PGTenantStore) GetByID(ctx context.Context, id string) (*store.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, token, deleted FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

func (s *PGTenantStore) GetByName(ctx context.Context, name string) (*store.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, token, deleted FROM tenants WHERE name = $1`, name)
	return scanTenant(row)
}

func scanTenant(row rowScanner) (*store.Tenant, error) {
	var t store.Tenant
	var token sql.NullString
	err := row.Scan(&t.ID, &t.Name, &token, &t.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.Token = token.String
	return &t, nil
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// PGFunnelStore implements store.FunnelStore backed by Postgres.
type PGFunnelStore struct {
	db *sql.DB
}

func NewPGFunnelStore(db *sql.DB) *PGFunnelStore {
	return &PGFunnelStore{db: db}
}

const funnelColumns = `id, tenant_id, name, goal, logic, status,
	follow_up_enable, stages, updated_at`

func (s *PGFunnelStore) GetByID(ctx context.Context, id string) (*store.Funnel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+funnelColumns+` FROM funnels WHERE id = $1`, id)
	return scanFunnel(row)
}

func (s *PGFunnelStore) GetMany(ctx context.Context, ids []string) (map[string]*store.Funnel, error) {
	out := make(map[string]*store.Funnel, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+funnelColumns+` FROM funnels WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("batch load funnels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		f, err := scanFunnel(rows)
		if err != nil {
			return nil, err
		}
		out[f.ID] = f
	}
	return out, rows.Err()
}

func scanFunnel(row rowScanner) (*store.Funnel, error) {
	var f store.Funnel
	var goal, logic, status sql.NullString
	var stages []byte

	err := row.Scan(&f.ID, &f.TenantID, &f.Name, &goal, &logic, &status,
		&f.FollowUpEnable, &stages, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan funnel: %w", err)
	}

	f.Goal = goal.String
	f.Logic = logic.String
	f.Status = status.String
	if len(stages) > 0 {
		f.Stages = stages
	}
	return &f, nil
}

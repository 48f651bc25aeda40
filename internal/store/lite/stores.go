package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// NewLiteStores opens the standalone database and wires all stores over it.
func NewLiteStores(cfg store.Config) (*store.Stores, error) {
	db, err := OpenDB(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Sessions: NewLiteSessionStore(db),
		Bots:     NewLiteBotStore(db),
		Funnels:  NewLiteFunnelStore(db),
		Tenants:  NewLiteTenantStore(db),
	}, nil
}

// LiteBotStore implements store.BotStore backed by SQLite.
type LiteBotStore struct {
	db *sql.DB
}

func NewLiteBotStore(db *sql.DB) *LiteBotStore {
	return &LiteBotStore{db: db}
}

const botColumns = `id, tenant_id, kind, enabled, webhook_url, prompt,
	funnel_id, agent_id, agent_port, agent_config,
	basic_auth_user, basic_auth_pass, bearer_token, updated_at`

func (s *LiteBotStore) GetByID(ctx context.Context, id string) (*store.BotBinding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	return scanBot(row)
}

func (s *LiteBotStore) GetActive(ctx context.Context, tenantID string) (*store.BotBinding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots
		 WHERE tenant_id = ? AND enabled = 1
		 ORDER BY updated_at DESC LIMIT 1`, tenantID)
	return scanBot(row)
}

func scanBot(row rowScanner) (*store.BotBinding, error) {
	var b store.BotBinding
	var funnelID sql.NullString
	var agentConfig []byte
	var updatedAt int64

	err := row.Scan(&b.ID, &b.TenantID, &b.Kind, &b.Enabled, &b.WebhookURL, &b.Prompt,
		&funnelID, &b.AgentID, &b.AgentPort, &agentConfig,
		&b.BasicAuthUser, &b.BasicAuthPass, &b.BearerToken, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bot: %w", err)
	}

	b.UpdatedAt = time.Unix(updatedAt, 0)
	if funnelID.Valid {
		v := funnelID.String
		b.FunnelID = &v
	}
	if len(agentConfig) > 0 {
		b.AgentConfig = agentConfig
	}
	return &b, nil
}

// LiteFunnelStore implements store.FunnelStore backed by SQLite.
type LiteFunnelStore struct {
	db *sql.DB
}

func NewLiteFunnelStore(db *sql.DB) *LiteFunnelStore {
	return &LiteFunnelStore{db: db}
}

const funnelColumns = `id, tenant_id, name, goal, logic, status,
	follow_up_enable, stages, updated_at`

func (s *LiteFunnelStore) GetByID(ctx context.Context, id string) (*store.Funnel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+funnelColumns+` FROM funnels WHERE id = ?`, id)
	return scanFunnel(row)
}

func (s *LiteFunnelStore) GetMany(ctx context.Context, ids []string) (map[string]*store.Funnel, error) {
	out := make(map[string]*store.Funnel, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+funnelColumns+` FROM funnels WHERE id IN (`+placeholders+`)`, args...)
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
	var stages []byte
	var updatedAt int64

	err := row.Scan(&f.ID, &f.TenantID, &f.Name, &f.Goal, &f.Logic, &f.Status,
		&f.FollowUpEnable, &stages, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan funnel: %w", err)
	}

	f.UpdatedAt = time.Unix(updatedAt, 0)
	if len(stages) > 0 {
		f.Stages = stages
	}
	return &f, nil
}

// LiteTenantStore implements store.TenantStore backed by SQLite.
type LiteTenantStore struct {
	db *sql.DB
}

func NewLiteTenantStore(db *sql.DB) *LiteTenantStore {
	return &LiteTenantStore{db: db}
}

func (s *LiteTenantStore) GetByID(ctx context.Context, id string) (*store.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, token, deleted FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

func (s *LiteTenantStore) GetByName(ctx context.Context, name string) (*store.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, token, deleted FROM tenants WHERE name = ?`, name)
	return scanTenant(row)
}

func scanTenant(row rowScanner) (*store.Tenant, error) {
	var t store.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Token, &t.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

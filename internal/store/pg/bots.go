package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// PGBotStore implements store.BotStore backed by Postgres.
type PGBotStore struct {
	db *sql.DB
}

func NewPGBotStore(db *sql.DB) *PGBotStore {
	return &PGBotStore{db: db}
}

const botColumns = `id, tenant_id, kind, enabled, webhook_url, prompt,
	funnel_id, agent_id, agent_port, agent_config,
	basic_auth_user, basic_auth_pass, bearer_token, updated_at`

func (s *PGBotStore) GetByID(ctx context.Context, id string) (*store.BotBinding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	return scanBot(row)
}

func (s *PGBotStore) GetActive(ctx context.Context, tenantID string) (*store.BotBinding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots
		 WHERE tenant_id = $1 AND enabled
		 ORDER BY updated_at DESC LIMIT 1`, tenantID)
	return scanBot(row)
}

func scanBot(row rowScanner) (*store.BotBinding, error) {
	var b store.BotBinding
	var webhookURL, prompt, agentID, basicUser, basicPass, bearer sql.NullString
	var funnelID sql.NullString
	var agentPort sql.NullInt64
	var agentConfig []byte

	err := row.Scan(&b.ID, &b.TenantID, &b.Kind, &b.Enabled, &webhookURL, &prompt,
		&funnelID, &agentID, &agentPort, &agentConfig,
		&basicUser, &basicPass, &bearer, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bot: %w", err)
	}

	b.WebhookURL = webhookURL.String
	b.Prompt = prompt.String
	b.AgentID = agentID.String
	b.BasicAuthUser = basicUser.String
	b.BasicAuthPass = basicPass.String
	b.BearerToken = bearer.String
	if funnelID.Valid {
		v := funnelID.String
		b.FunnelID = &v
	}
	if agentPort.Valid {
		b.AgentPort = int(agentPort.Int64)
	}
	if len(agentConfig) > 0 {
		b.AgentConfig = agentConfig
	}
	return &b, nil
}

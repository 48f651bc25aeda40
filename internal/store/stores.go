package store

import "context"

// SessionStore persists conversation sessions.
type SessionStore interface {
	// GetByID returns a session or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Session, error)

	// Find returns the session for a (tenant, bot, contact) tuple or
	// ErrNotFound.
	Find(ctx context.Context, tenantID, botID, remoteContact string) (*Session, error)

	// GetOrCreate resolves the session for a (tenant, bot, contact) tuple,
	// creating it when missing. Creation races resolve to the existing row,
	// preserving the at-most-one-binding invariant.
	GetOrCreate(ctx context.Context, tenantID, botID, remoteContact, providerKind string) (*Session, error)

	// CreateMissing bulk-creates sessions for contacts that have none yet,
	// used when a bot is newly attached to existing conversations. Returns
	// the number of sessions created.
	CreateMissing(ctx context.Context, tenantID, botID, providerKind string, contacts []string) (int, error)

	// BindFunnel sets funnel_id and funnel_enable=true, re-reading the row
	// first so only the binding columns are written. Returns the fresh row.
	BindFunnel(ctx context.Context, id, funnelID string) (*Session, error)

	// SetFollowUpEnable syncs the session's follow-up flag to the funnel's.
	SetFollowUpEnable(ctx context.Context, id string, enabled bool) error

	// UpdateState writes lifecycle status and awaitUser.
	UpdateState(ctx context.Context, id string, status SessionStatus, awaitUser bool) error

	// UpdateContext applies a read-modify-write on the session context.
	UpdateContext(ctx context.Context, id string, mutate func(*SessionContext)) error

	// GetContext re-reads only the persisted context (stale-reply guard
	// fallback path).
	GetContext(ctx context.Context, id string) (SessionContext, error)

	// AdvanceFollowUp conditionally moves follow_up_stage from expected to
	// next. Returns false without error when a concurrent mutation changed
	// the pointer first.
	AdvanceFollowUp(ctx context.Context, id string, expected, next int) (bool, error)

	// ListEligibleFollowUps selects follow-up sweep candidates:
	// status=opened, await_user, follow_up_enable, funnel bound.
	// Empty tenantID sweeps all tenants.
	ListEligibleFollowUps(ctx context.Context, tenantID string) ([]*Session, error)
}

// BotStore resolves bot bindings.
type BotStore interface {
	GetByID(ctx context.Context, id string) (*BotBinding, error)
	// GetActive returns the enabled binding for a tenant, or ErrNotFound.
	GetActive(ctx context.Context, tenantID string) (*BotBinding, error)
}

// FunnelStore resolves funnels.
type FunnelStore interface {
	GetByID(ctx context.Context, id string) (*Funnel, error)
	// GetMany batch-loads funnels by id; missing ids are simply absent from
	// the result map.
	GetMany(ctx context.Context, ids []string) (map[string]*Funnel, error)
}

// TenantStore resolves tenants.
type TenantStore interface {
	GetByID(ctx context.Context, id string) (*Tenant, error)
	GetByName(ctx context.Context, name string) (*Tenant, error)
}

// Stores aggregates all store interfaces for wiring.
type Stores struct {
	Sessions SessionStore
	Bots     BotStore
	Funnels  FunnelStore
	Tenants  TenantStore
}

// Config carries backend selection for the store factory.
type Config struct {
	PostgresDSN string // managed mode when set
	SQLitePath  string // standalone mode fallback
}

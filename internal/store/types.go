// Package store defines the persistent data model of the gateway core —
// sessions, bot bindings, funnels, tenants — and the store interfaces the
// orchestrator and scheduler depend on. Concrete backends live in the pg
// (managed), lite (standalone SQLite) and memory subpackages.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// Session lifecycle status.
type SessionStatus string

const (
	StatusOpened SessionStatus = "opened"
	StatusPaused SessionStatus = "paused"
	StatusClosed SessionStatus = "closed"
)

// Actor values recorded in SessionContext.LastOutboundBy.
const (
	OutboundByBot     = "bot"
	OutboundByManager = "manager"
)

// Provider kinds a bot binding may declare.
const (
	KindWorkflow     = "workflow"     // workflow-engine webhook (n8n-style)
	KindAgentRuntime = "agentruntime" // agent-runtime endpoint (agno-style)
)

// SessionContext is the free-form conversational context persisted with a
// session. Timestamps are unix seconds; zero means never.
type SessionContext struct {
	LastInboundAt    int64  `json:"lastInboundAt,omitempty"`
	LastOutboundAt   int64  `json:"lastOutboundAt,omitempty"`
	LastOutboundBy   string `json:"lastOutboundBy,omitempty"`
	LastInboundKeyID string `json:"lastInboundKeyId,omitempty"`
}

// Session is one conversation between a remote contact and a bot within a
// tenant. At most one row exists per (tenant, bot, contact).
type Session struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	BotID         string         `json:"botId"`
	RemoteContact string         `json:"remoteContact"`
	ProviderKind  string         `json:"providerKind"`
	Status        SessionStatus  `json:"status"`
	AwaitUser     bool           `json:"awaitUser"`
	Context       SessionContext `json:"context"`

	FunnelID       *string `json:"funnelId,omitempty"`
	FunnelEnable   bool    `json:"funnelEnable"`
	FunnelStage    *int    `json:"funnelStage,omitempty"`
	FollowUpEnable bool    `json:"followUpEnable"`
	FollowUpStage  *int    `json:"followUpStage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BotBinding is the tenant-scoped configuration of one automation provider.
type BotBinding struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Kind     string `json:"kind"` // KindWorkflow | KindAgentRuntime
	Enabled  bool   `json:"enabled"`

	WebhookURL string  `json:"webhookUrl,omitempty"`
	Prompt     string  `json:"prompt,omitempty"`
	FunnelID   *string `json:"funnelId,omitempty"`

	// Agent-runtime fields.
	AgentID     string          `json:"agentId,omitempty"`
	AgentPort   int             `json:"agentPort,omitempty"`
	AgentConfig json.RawMessage `json:"agentConfig,omitempty"`

	// Workflow auth fields.
	BasicAuthUser string `json:"basicAuthUser,omitempty"`
	BasicAuthPass string `json:"basicAuthPass,omitempty"`
	BearerToken   string `json:"bearerToken,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Funnel is an ordered marketing script. Stages holds the persisted stage
// data as stored (array of stage objects, possibly serialized as a JSON
// string by older writers); the funnel package normalizes and flattens it.
type Funnel struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	Name           string          `json:"name"`
	Goal           string          `json:"goal,omitempty"`
	Logic          string          `json:"logic,omitempty"`
	Status         string          `json:"status,omitempty"`
	FollowUpEnable bool            `json:"followUpEnable"`
	Stages         json.RawMessage `json:"stages,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// PublicPayload returns the provider-visible view of the funnel, the shape
// sent inside the dependency payload.
func (f *Funnel) PublicPayload() map[string]any {
	if f == nil {
		return nil
	}
	var stages any
	if len(f.Stages) > 0 {
		stages = json.RawMessage(f.Stages)
	}
	return map[string]any{
		"id":             f.ID,
		"name":           f.Name,
		"goal":           f.Goal,
		"logic":          f.Logic,
		"status":         f.Status,
		"followUpEnable": f.FollowUpEnable,
		"stages":         stages,
		"followUp":       map[string]any{"stages": stages},
	}
}

// Tenant is a gateway instance. Deleted tenants stay readable so in-flight
// work can observe the signal and stop.
type Tenant struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Token   string `json:"token,omitempty"`
	Deleted bool   `json:"deleted"`
}

// Package provider defines the uniform adapter contract to external
// conversational-automation back ends and the two built-in variants: the
// workflow-engine webhook (JSON + basic/bearer auth) and the agent-runtime
// endpoint (JSON webhook or multipart with file attachment).
//
// Adapters build their wire payload, apply their auth scheme, enforce a
// bounded timeout and extract the reply text. They never decide whether the
// reply is forwarded — staleness and routing belong to the orchestrator.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/funnel"
	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// SessionState is the session snapshot sent with every provider call.
type SessionState struct {
	FunnelStage    *int           `json:"funnelStage"`
	FollowUpStage  *int           `json:"followUpStage"`
	FunnelEnable   bool           `json:"funnelEnable"`
	FollowUpEnable bool           `json:"followUpEnable"`
	QuotedMessage  map[string]any `json:"quotedMessage"`
}

// File is a resolved inbound attachment.
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// TenantInfo identifies the calling tenant to the provider.
type TenantInfo struct {
	ID    string
	Name  string
	Token string
}

// Request is the normalized outbound request the orchestrator and scheduler
// hand to an adapter.
type Request struct {
	Message       string
	SessionID     string
	UserID        string // remoteContact:tenant
	RemoteContact string
	PushName      string
	KeyID         string
	FromMe        bool
	QuotedMessage map[string]any
	SessionState  SessionState
	Dependencies  map[string]any // funnel, agent_prompt, agent_config, session_messages
	Attachment    *File
	Tenant        TenantInfo
}

// Provider is the adapter contract. SendMessage returns the extracted reply
// text, empty when the provider produced none. SendFollowUp dispatches a
// synthetic continue message for one funnel step; a nil error is the success
// signal the scheduler advances on.
type Provider interface {
	Kind() string
	SendMessage(ctx context.Context, bot *store.BotBinding, req *Request) (string, error)
	SendFollowUp(ctx context.Context, bot *store.BotBinding, req *Request, step, next *funnel.Step) (string, error)
}

// ErrNotConfigured marks terminal configuration errors (missing endpoint,
// agent id): the message is dropped without retry.
type ErrNotConfigured struct {
	Reason string
}

func (e *ErrNotConfigured) Error() string {
	return "provider not configured: " + e.Reason
}

// Registry resolves adapters by bot kind.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.Kind()] = p
	}
	return r
}

// For returns the adapter for a bot kind or an error naming the kind.
func (r *Registry) For(kind string) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("no provider registered for kind %q", kind)
	}
	return p, nil
}

// extractReply pulls the reply text out of a provider response body, trying
// content, output, answer, message in order.
func extractReply(data map[string]any) string {
	for _, field := range []string{"content", "output", "answer", "message"} {
		if s, ok := data[field].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// mergePrompt joins non-empty prompt fragments with blank lines.
func mergePrompt(parts ...string) string {
	merged := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if merged != "" {
			merged += "\n\n"
		}
		merged += p
	}
	return merged
}

// boundedTimeout returns d when positive, else the fallback.
func boundedTimeout(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/cache"
	"github.com/nextlevelbuilder/funnelgate/internal/provider"
	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// funnelEntry is the cached shape of one funnel's provider-visible view.
// A nil Payload is cached too, so a missing funnel doesn't hammer the store.
type funnelEntry struct {
	Payload        map[string]any `json:"payload"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	FollowUpEnable *bool          `json:"followUpEnable"`
}

// DependencyBuilder assembles the dependency payload sent with every
// provider call, memoizing through the layered cache. Shared by the
// orchestrator and the follow-up scheduler.
type DependencyBuilder struct {
	funnels store.FunnelStore
	cache   cache.Cache
}

func NewDependencyBuilder(funnels store.FunnelStore, c cache.Cache) *DependencyBuilder {
	return &DependencyBuilder{funnels: funnels, cache: c}
}

// FunnelEntry resolves a funnel's public payload through the cache.
func (b *DependencyBuilder) FunnelEntry(ctx context.Context, funnelID string) funnelEntry {
	if funnelID == "" {
		return funnelEntry{}
	}

	key := cache.FunnelKey(funnelID)
	var entry funnelEntry
	if b.cache.Get(ctx, key, &entry) {
		return entry
	}

	f, err := b.funnels.GetByID(ctx, funnelID)
	if err != nil {
		if err != store.ErrNotFound {
			slog.Warn("deps: failed to load funnel", "funnel", funnelID, "error", err)
			return funnelEntry{}
		}
		// Cache the miss.
		b.cache.Set(ctx, key, funnelEntry{}, 0)
		return funnelEntry{}
	}

	enable := f.FollowUpEnable
	entry = funnelEntry{
		Payload:        f.PublicPayload(),
		UpdatedAt:      f.UpdatedAt,
		FollowUpEnable: &enable,
	}
	b.cache.Set(ctx, key, entry, 0)
	return entry
}

// FunnelEntryFrom builds an entry directly from an already-loaded funnel
// (scheduler batch path — the funnels were just read).
func (b *DependencyBuilder) FunnelEntryFrom(f *store.Funnel) funnelEntry {
	if f == nil {
		return funnelEntry{}
	}
	enable := f.FollowUpEnable
	return funnelEntry{Payload: f.PublicPayload(), UpdatedAt: f.UpdatedAt, FollowUpEnable: &enable}
}

// Base returns the cached {funnel, agent_prompt, agent_config} bundle for a
// bot, keyed by the (bot, funnel) update-time fingerprint.
func (b *DependencyBuilder) Base(ctx context.Context, bot *store.BotBinding, entry funnelEntry) map[string]any {
	funnelID := ""
	if id, ok := entry.Payload["id"].(string); ok {
		funnelID = id
	}
	key := cache.DependencyKey(bot.ID, bot.UpdatedAt, funnelID, entry.UpdatedAt)

	var deps map[string]any
	if b.cache.Get(ctx, key, &deps) && deps != nil {
		return deps
	}

	var agentConfig any
	if len(bot.AgentConfig) > 0 {
		agentConfig = json.RawMessage(bot.AgentConfig)
	}
	deps = map[string]any{
		"funnel":       entry.Payload,
		"agent_prompt": nilIfEmpty(bot.Prompt),
		"agent_config": agentConfig,
	}
	b.cache.Set(ctx, key, deps, 0)
	return deps
}

// WithSessionMessages copies deps and adds the channel-maintained recent
// message bundle for the session, when one is cached.
func (b *DependencyBuilder) WithSessionMessages(ctx context.Context, sessionID string, deps map[string]any) map[string]any {
	out := make(map[string]any, len(deps)+1)
	for k, v := range deps {
		out[k] = v
	}
	var messages any
	if b.cache.Get(ctx, cache.SessionMessagesKey(sessionID), &messages) {
		out["session_messages"] = messages
	} else {
		out["session_messages"] = nil
	}
	return out
}

// SessionState snapshots a session for the provider wire contract.
func SessionState(sess *store.Session, quoted map[string]any) provider.SessionState {
	return provider.SessionState{
		FunnelStage:    sess.FunnelStage,
		FollowUpStage:  sess.FollowUpStage,
		FunnelEnable:   sess.FunnelEnable,
		FollowUpEnable: sess.FollowUpEnable,
		QuotedMessage:  quoted,
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

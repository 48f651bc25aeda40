package orchestrator

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/funnelgate/internal/bus"
	"github.com/nextlevelbuilder/funnelgate/internal/cache"
)

// Invalidator evicts cached derived data when the administrative layer
// changes bots or funnels. Dependency payload keys are fingerprinted with
// the source row's updated_at, so a change moves the key rather than
// mutating it; the funnel payload key is stable and needs an explicit evict.
type Invalidator struct {
	cache cache.Cache
}

func NewInvalidator(c cache.Cache) *Invalidator {
	return &Invalidator{cache: c}
}

// Handle applies one invalidation notice.
func (i *Invalidator) Handle(ctx context.Context, p bus.CacheInvalidatePayload) {
	switch p.Kind {
	case bus.CacheKindFunnel:
		i.FunnelChanged(ctx, p.Key)
	case bus.CacheKindBot:
		i.BotChanged(ctx, p.Key)
	default:
		slog.Warn("invalidator: unknown cache kind", "kind", p.Kind)
	}
}

// FunnelChanged evicts the funnel's payload entry. The next dispatch re-reads
// the row and builds a fresh dependency fingerprint from its new updated_at.
func (i *Invalidator) FunnelChanged(ctx context.Context, funnelID string) {
	if funnelID == "" {
		return
	}
	i.cache.Delete(ctx, cache.FunnelKey(funnelID))
	slog.Debug("invalidator: funnel cache evicted", "funnel", funnelID)
}

// FunnelDeleted is FunnelChanged plus nothing: the cached-miss entry written
// on the next lookup keeps dispatches from hammering the store.
func (i *Invalidator) FunnelDeleted(ctx context.Context, funnelID string) {
	i.FunnelChanged(ctx, funnelID)
}

// BotChanged has no stable key to evict. Dependency entries carry the bot's
// updated_at in the key, so stale entries simply stop being addressed and
// age out with their TTL.
func (i *Invalidator) BotChanged(ctx context.Context, botID string) {
	slog.Debug("invalidator: bot change noted, fingerprinted entries age out", "bot", botID)
}

// BotDeleted mirrors BotChanged; the binding's dependency entries are
// unreachable once the row is gone.
func (i *Invalidator) BotDeleted(ctx context.Context, botID string) {
	i.BotChanged(ctx, botID)
}

// SessionClosed drops the cached conversation history snapshot.
func (i *Invalidator) SessionClosed(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	i.cache.Delete(ctx, cache.SessionMessagesKey(sessionID))
}

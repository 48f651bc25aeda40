// Package orchestrator owns the conversation session lifecycle: it receives
// normalized inbound messages from channel adapters, coalesces bursts,
// resolves the bot binding and funnel state, dispatches to the bound
// automation provider and routes the reply back to the channel — discarding
// replies a newer inbound message has superseded.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/bus"
	"github.com/nextlevelbuilder/funnelgate/internal/provider"
	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// Config tunes the orchestrator.
type Config struct {
	// DebounceWindow merges inbound bursts per session. Zero dispatches
	// synchronously.
	DebounceWindow time.Duration
	// DispatchTimeout bounds one full dispatch (deps build + provider call
	// + reply delivery).
	DispatchTimeout time.Duration
}

// Orchestrator is safe for concurrent use across sessions.
type Orchestrator struct {
	stores   *store.Stores
	deps     *DependencyBuilder
	registry *provider.Registry
	sink     bus.ChannelSink
	dedup    *DedupStore
	debounce *Debouncer

	fetch           *http.Client
	dispatchTimeout time.Duration
}

func New(stores *store.Stores, deps *DependencyBuilder, registry *provider.Registry, sink bus.ChannelSink, cfg Config) *Orchestrator {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 150 * time.Second
	}
	return &Orchestrator{
		stores:          stores,
		deps:            deps,
		registry:        registry,
		sink:            sink,
		dedup:           NewDedupStore(),
		debounce:        NewDebouncer(cfg.DebounceWindow),
		fetch:           &http.Client{Timeout: 30 * time.Second},
		dispatchTimeout: cfg.DispatchTimeout,
	}
}

// Dedup exposes the dedup store (shared with operational tooling).
func (o *Orchestrator) Dedup() *DedupStore { return o.dedup }

// Close cancels pending debounce timers.
func (o *Orchestrator) Close() { o.debounce.Flush() }

// Emit is the entry point channel adapters deliver normalized messages to.
// No failure propagates to the caller; every error degrades to "no automated
// message this cycle" and is logged with tenant/session context.
func (o *Orchestrator) Emit(ctx context.Context, msg bus.InboundMessage) {
	tenant, err := o.stores.Tenants.GetByID(ctx, msg.Tenant)
	if err != nil {
		slog.Warn("orchestrator: unknown tenant", "tenant", msg.Tenant, "error", err)
		return
	}
	if tenant.Deleted {
		slog.Debug("orchestrator: tenant deleted, ignoring message", "tenant", tenant.ID)
		return
	}

	bot, err := o.stores.Bots.GetActive(ctx, tenant.ID)
	if err != nil {
		// Missing or disabled bot binding is terminal for this message.
		slog.Debug("orchestrator: no active bot for tenant", "tenant", tenant.ID, "error", err)
		return
	}

	if msg.FromMe {
		o.recordOperatorMessage(ctx, tenant.ID, bot.ID, msg)
		return
	}

	sess, err := o.stores.Sessions.GetOrCreate(ctx, tenant.ID, bot.ID, msg.RemoteContact, bot.Kind)
	if err != nil {
		slog.Error("orchestrator: session resolve failed",
			"tenant", tenant.ID, "bot", bot.ID, "contact", msg.RemoteContact, "error", err)
		return
	}
	if sess.Status == store.StatusPaused {
		slog.Debug("orchestrator: session paused, skipping", "tenant", tenant.ID, "session", sess.ID)
		return
	}

	// Record the inbound before debouncing so the stale-reply guard sees the
	// newest key id even while a dispatch is in flight.
	inboundAt := msg.Timestamp
	if inboundAt == 0 {
		inboundAt = time.Now().Unix()
	}
	if err := o.stores.Sessions.UpdateContext(ctx, sess.ID, func(c *store.SessionContext) {
		c.LastInboundAt = inboundAt
		c.LastInboundKeyID = msg.KeyID
	}); err != nil {
		slog.Error("orchestrator: context update failed", "tenant", tenant.ID, "session", sess.ID, "error", err)
	}
	o.dedup.Set(sess.ID, msg.KeyID)

	sessionID := sess.ID
	o.debounce.Enqueue(tenant.ID+":"+bot.ID+":"+msg.RemoteContact, msg, func(merged bus.InboundMessage) {
		dctx, cancel := context.WithTimeout(context.Background(), o.dispatchTimeout)
		defer cancel()
		o.dispatch(dctx, tenant, bot, sessionID, merged)
	})
}

// recordOperatorMessage marks human outbound activity so the scheduler
// suppresses automated follow-up for the session.
func (o *Orchestrator) recordOperatorMessage(ctx context.Context, tenantID, botID string, msg bus.InboundMessage) {
	sess, err := o.stores.Sessions.Find(ctx, tenantID, botID, msg.RemoteContact)
	if err != nil {
		return
	}
	at := msg.Timestamp
	if at == 0 {
		at = time.Now().Unix()
	}
	if err := o.stores.Sessions.UpdateContext(ctx, sess.ID, func(c *store.SessionContext) {
		c.LastOutboundAt = at
		c.LastOutboundBy = store.OutboundByManager
	}); err != nil {
		slog.Error("orchestrator: operator context update failed", "tenant", tenantID, "session", sess.ID, "error", err)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, tenant *store.Tenant, bot *store.BotBinding, sessionID string, msg bus.InboundMessage) {
	// Re-read: debounce may have held the message while the session moved.
	sess, err := o.stores.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		slog.Error("orchestrator: session re-read failed", "tenant", tenant.ID, "session", sessionID, "error", err)
		return
	}

	sess = o.syncFunnelBinding(ctx, sess, bot)

	entry := funnelEntry{}
	if sess.FunnelID != nil {
		entry = o.deps.FunnelEntry(ctx, *sess.FunnelID)
	}
	sess = o.syncFollowUpEnable(ctx, sess, entry)

	base := o.deps.Base(ctx, bot, entry)
	depsPayload := o.deps.WithSessionMessages(ctx, sess.ID, base)

	attachment, err := o.resolveAttachment(ctx, msg.Attachment)
	if err != nil {
		slog.Warn("orchestrator: attachment resolve failed, sending without it",
			"tenant", tenant.ID, "session", sess.ID, "error", err)
	}

	req := &provider.Request{
		Message:       msg.Content,
		SessionID:     sess.ID,
		UserID:        fmt.Sprintf("%s:%s", msg.RemoteContact, tenant.ID),
		RemoteContact: msg.RemoteContact,
		PushName:      msg.PushName,
		KeyID:         msg.KeyID,
		FromMe:        msg.FromMe,
		QuotedMessage: msg.QuotedMessage,
		SessionState:  SessionState(sess, msg.QuotedMessage),
		Dependencies:  depsPayload,
		Attachment:    attachment,
		Tenant:        provider.TenantInfo{ID: tenant.ID, Name: tenant.Name, Token: tenant.Token},
	}

	adapter, err := o.registry.For(bot.Kind)
	if err != nil {
		slog.Error("orchestrator: unresolvable provider kind",
			"tenant", tenant.ID, "session", sess.ID, "bot", bot.ID, "kind", bot.Kind)
		return
	}

	reply, err := adapter.SendMessage(ctx, bot, req)
	if err != nil {
		// Configuration and transient failures alike: drop, no retry, no
		// session mutation beyond what already happened.
		slog.Error("orchestrator: provider dispatch failed",
			"tenant", tenant.ID, "session", sess.ID, "bot", bot.ID, "kind", bot.Kind, "error", err)
		return
	}

	// The staleness check runs before any commit, even for an empty reply:
	// committing a superseded key id would regress the dedup entry behind the
	// newest inbound and get its answer discarded.
	if !o.shouldSendResponse(ctx, sess.ID, msg.KeyID) {
		slog.Info("orchestrator: discarding stale reply",
			"tenant", tenant.ID, "session", sess.ID, "keyId", msg.KeyID)
		return
	}
	if reply != "" {
		if _, err := o.sink.SendReply(ctx, tenant.ID, msg.RemoteContact, reply, sess.ID, nil); err != nil {
			slog.Error("orchestrator: reply delivery failed", "tenant", tenant.ID, "session", sess.ID, "error", err)
			return
		}
	}

	o.commitDispatch(ctx, tenant.ID, sess.ID, msg.KeyID)
}

// commitDispatch records a successful dispatch: session reopened, waiting on
// the human, outbound stamped as bot-sent, key id pinned as last accepted.
func (o *Orchestrator) commitDispatch(ctx context.Context, tenantID, sessionID, keyID string) {
	if err := o.stores.Sessions.UpdateState(ctx, sessionID, store.StatusOpened, true); err != nil {
		slog.Error("orchestrator: state update failed", "tenant", tenantID, "session", sessionID, "error", err)
	}
	if err := o.stores.Sessions.UpdateContext(ctx, sessionID, func(c *store.SessionContext) {
		c.LastOutboundAt = time.Now().Unix()
		c.LastOutboundBy = store.OutboundByBot
	}); err != nil {
		slog.Error("orchestrator: outbound context update failed", "tenant", tenantID, "session", sessionID, "error", err)
	}
	o.dedup.Set(sessionID, keyID)
}

// syncFunnelBinding binds the bot's funnel onto the session when they differ.
func (o *Orchestrator) syncFunnelBinding(ctx context.Context, sess *store.Session, bot *store.BotBinding) *store.Session {
	if bot.FunnelID == nil {
		return sess
	}
	if sess.FunnelID != nil && *sess.FunnelID == *bot.FunnelID {
		return sess
	}
	fresh, err := o.stores.Sessions.BindFunnel(ctx, sess.ID, *bot.FunnelID)
	if err != nil {
		slog.Warn("orchestrator: funnel binding update failed",
			"tenant", sess.TenantID, "session", sess.ID, "funnel", *bot.FunnelID, "error", err)
		return sess
	}
	return fresh
}

// syncFollowUpEnable mirrors the funnel's followUpEnable onto the session.
func (o *Orchestrator) syncFollowUpEnable(ctx context.Context, sess *store.Session, entry funnelEntry) *store.Session {
	if entry.Payload == nil || entry.FollowUpEnable == nil {
		return sess
	}
	if sess.FollowUpEnable == *entry.FollowUpEnable {
		return sess
	}
	if err := o.stores.Sessions.SetFollowUpEnable(ctx, sess.ID, *entry.FollowUpEnable); err != nil {
		slog.Warn("orchestrator: followUpEnable sync failed", "tenant", sess.TenantID, "session", sess.ID, "error", err)
		return sess
	}
	updated := *sess
	updated.FollowUpEnable = *entry.FollowUpEnable
	return &updated
}

// shouldSendResponse reports whether the reply tied to responseKeyID still
// answers the newest inbound message. Fast path is the dedup store; entries
// older than the refresh threshold fall back to the persisted context.
func (o *Orchestrator) shouldSendResponse(ctx context.Context, sessionID, responseKeyID string) bool {
	if sessionID == "" || responseKeyID == "" {
		return true
	}

	cached, age, ok := o.dedup.Get(sessionID)
	if ok && age <= dedupRefreshAfter {
		return cached == responseKeyID
	}
	if ok && age > dedupTTL {
		o.dedup.Clear(sessionID)
	}

	fresh, err := o.stores.Sessions.GetContext(ctx, sessionID)
	if err != nil {
		slog.Warn("orchestrator: context refresh failed, forwarding reply", "session", sessionID, "error", err)
		return true
	}
	if fresh.LastInboundKeyID != "" {
		o.dedup.Set(sessionID, fresh.LastInboundKeyID)
		if fresh.LastInboundKeyID != responseKeyID {
			return false
		}
	}
	return true
}

// resolveAttachment materializes inbound media, fetching remote URLs once.
func (o *Orchestrator) resolveAttachment(ctx context.Context, att *bus.Attachment) (*provider.File, error) {
	if att == nil {
		return nil, nil
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := att.Filename
	if filename == "" {
		filename = "file"
	}

	if att.Base64 != "" {
		data, err := base64.StdEncoding.DecodeString(att.Base64)
		if err != nil {
			return nil, fmt.Errorf("decode attachment: %w", err)
		}
		return &provider.File{Filename: filename, ContentType: contentType, Data: data}, nil
	}

	if att.URL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("build attachment request: %w", err)
		}
		resp, err := o.fetch.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("fetch attachment: %s returned %d", att.URL, resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		return &provider.File{Filename: filename, ContentType: contentType, Data: data}, nil
	}

	return nil, nil
}

// Package scheduler sweeps open sessions and dispatches timed funnel
// follow-up touches. One sweep per minute; provider calls fan out across a
// bounded worker pool with a shared rate budget.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/funnelgate/internal/bus"
	"github.com/nextlevelbuilder/funnelgate/internal/funnel"
	"github.com/nextlevelbuilder/funnelgate/internal/orchestrator"
	"github.com/nextlevelbuilder/funnelgate/internal/provider"
	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// Config tunes the sweep loop.
type Config struct {
	// Cron gates sweeps; defaults to every minute.
	Cron string
	// Workers bounds concurrent provider calls per sweep.
	Workers int
	// RatePerSecond caps provider calls across the whole sweep. Zero
	// disables the limiter.
	RatePerSecond float64
	// DispatchTimeout bounds one follow-up provider call + delivery.
	DispatchTimeout time.Duration

	// now is swappable for tests.
	now func() time.Time
}

func (c *Config) defaults() {
	if c.Cron == "" {
		c.Cron = "* * * * *"
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 90 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// Scheduler owns the recurring follow-up sweep.
type Scheduler struct {
	stores   *store.Stores
	deps     *orchestrator.DependencyBuilder
	registry *provider.Registry
	sink     bus.ChannelSink
	cfg      Config

	limiter *rate.Limiter
	gron    *gronx.Gronx
}

func New(stores *store.Stores, deps *orchestrator.DependencyBuilder, registry *provider.Registry, sink bus.ChannelSink, cfg Config) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		stores:   stores,
		deps:     deps,
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		gron:     gronx.New(),
	}
	if cfg.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Workers)
	}
	return s
}

// Run blocks until ctx is done, sweeping whenever the cron expression is due.
// The poll interval is deliberately shorter than a minute so a due boundary
// is never skipped under scheduling jitter.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	var lastSweep time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.cfg.now()
			due, err := s.gron.IsDue(s.cfg.Cron, now)
			if err != nil {
				slog.Error("scheduler: bad cron expression", "cron", s.cfg.Cron, "error", err)
				return
			}
			if !due || now.Truncate(time.Minute).Equal(lastSweep) {
				continue
			}
			lastSweep = now.Truncate(time.Minute)
			s.Tick(ctx, "")
		}
	}
}

// Tick runs one sweep. Empty tenantID sweeps all tenants; a tenant id scopes
// the sweep for operational triggers.
func (s *Scheduler) Tick(ctx context.Context, tenantID string) {
	started := s.cfg.now()

	sessions, err := s.stores.Sessions.ListEligibleFollowUps(ctx, tenantID)
	if err != nil {
		slog.Error("scheduler: candidate query failed", "tenant", tenantID, "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	funnels, err := s.loadFunnels(ctx, sessions)
	if err != nil {
		slog.Error("scheduler: funnel batch load failed", "error", err)
		return
	}

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	var dispatched, advanced int
	var mu sync.Mutex

	for _, sess := range sessions {
		due, step, next, skip := s.evaluate(sess, funnels, started)
		if skip != "" {
			slog.Debug("scheduler: skipping session", "session", sess.ID, "reason", skip)
			continue
		}
		if !due {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(sess *store.Session, f *store.Funnel, step, next *funnel.Step) {
			defer wg.Done()
			defer func() { <-sem }()
			ok := s.dispatchFollowUp(ctx, sess, f, step, next)
			mu.Lock()
			dispatched++
			if ok {
				advanced++
			}
			mu.Unlock()
		}(sess, funnels[*sess.FunnelID], step, next)
	}
	wg.Wait()

	if dispatched > 0 {
		slog.Info("scheduler: sweep complete",
			"tenant", tenantID, "candidates", len(sessions),
			"dispatched", dispatched, "advanced", advanced,
			"took", time.Since(started))
	}
}

func (s *Scheduler) loadFunnels(ctx context.Context, sessions []*store.Session) (map[string]*store.Funnel, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, sess := range sessions {
		if sess.FunnelID == nil {
			continue
		}
		if _, ok := seen[*sess.FunnelID]; ok {
			continue
		}
		seen[*sess.FunnelID] = struct{}{}
		ids = append(ids, *sess.FunnelID)
	}
	return s.stores.Funnels.GetMany(ctx, ids)
}

// evaluate applies the per-session eligibility and timing rules. A non-empty
// skip reason means the session is out of scope this sweep; due=false with an
// empty reason means the step simply is not ripe yet.
func (s *Scheduler) evaluate(sess *store.Session, funnels map[string]*store.Funnel, now time.Time) (due bool, step, next *funnel.Step, skip string) {
	if sess.FunnelID == nil || !sess.FunnelEnable {
		return false, nil, nil, "funnel disabled"
	}
	f, ok := funnels[*sess.FunnelID]
	if !ok {
		return false, nil, nil, "funnel missing"
	}
	if !f.FollowUpEnable {
		return false, nil, nil, "follow-up disabled on funnel"
	}

	steps := funnel.Load(f.Stages)
	stepIndex := 0
	if sess.FollowUpStage != nil {
		stepIndex = *sess.FollowUpStage
	}
	if stepIndex < 0 || stepIndex >= len(steps) {
		return false, nil, nil, "funnel exhausted"
	}
	st := steps[stepIndex]

	ctxData := sess.Context
	if ctxData.LastInboundAt == 0 && ctxData.LastOutboundAt == 0 {
		return false, nil, nil, "no reference point"
	}
	if ctxData.LastOutboundBy == store.OutboundByManager {
		return false, nil, nil, "operator holds the session"
	}
	if ctxData.LastOutboundAt != 0 && ctxData.LastInboundAt > ctxData.LastOutboundAt {
		return false, nil, nil, "user already replied"
	}

	referenceAt := ctxData.LastInboundAt
	if ctxData.LastOutboundAt > referenceAt {
		referenceAt = ctxData.LastOutboundAt
	}
	elapsed := now.Sub(time.Unix(referenceAt, 0))
	if elapsed < time.Duration(st.DelayMin*float64(time.Minute)) {
		return false, nil, nil, ""
	}

	var nx *funnel.Step
	if stepIndex+1 < len(steps) {
		n := steps[stepIndex+1]
		nx = &n
	}
	return true, &st, nx, ""
}

// dispatchFollowUp sends one follow-up touch and advances the pointer only
// after the provider confirmed the send. Returns whether the pointer moved.
func (s *Scheduler) dispatchFollowUp(ctx context.Context, sess *store.Session, f *store.Funnel, step, next *funnel.Step) bool {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	if s.limiter != nil {
		if err := s.limiter.Wait(dctx); err != nil {
			return false
		}
	}

	tenant, err := s.stores.Tenants.GetByID(dctx, sess.TenantID)
	if err != nil || tenant.Deleted {
		slog.Debug("scheduler: tenant unavailable", "tenant", sess.TenantID, "session", sess.ID, "error", err)
		return false
	}
	bot, err := s.stores.Bots.GetByID(dctx, sess.BotID)
	if err != nil {
		slog.Warn("scheduler: bot missing for session", "session", sess.ID, "bot", sess.BotID, "error", err)
		return false
	}
	if !bot.Enabled {
		return false
	}

	adapter, err := s.registry.For(bot.Kind)
	if err != nil {
		slog.Error("scheduler: unresolvable provider kind", "session", sess.ID, "kind", bot.Kind)
		return false
	}

	entry := s.deps.FunnelEntryFrom(f)
	base := s.deps.Base(dctx, bot, entry)
	depsPayload := s.deps.WithSessionMessages(dctx, sess.ID, base)

	req := &provider.Request{
		Message:       "continue",
		SessionID:     sess.ID,
		UserID:        fmt.Sprintf("%s:%s", sess.RemoteContact, tenant.ID),
		RemoteContact: sess.RemoteContact,
		SessionState:  orchestrator.SessionState(sess, nil),
		Dependencies:  depsPayload,
		Tenant:        provider.TenantInfo{ID: tenant.ID, Name: tenant.Name, Token: tenant.Token},
	}

	reply, err := adapter.SendFollowUp(dctx, bot, req, step, next)
	if err != nil {
		// Pointer stays put; the next sweep retries this step.
		slog.Error("scheduler: follow-up dispatch failed",
			"tenant", tenant.ID, "session", sess.ID, "stage", step.Stage, "touch", step.Touch, "error", err)
		return false
	}

	if reply != "" {
		if _, err := s.sink.SendReply(dctx, tenant.ID, sess.RemoteContact, reply, sess.ID, nil); err != nil {
			slog.Error("scheduler: follow-up delivery failed", "tenant", tenant.ID, "session", sess.ID, "error", err)
			return false
		}
	}

	stepIndex := 0
	if sess.FollowUpStage != nil {
		stepIndex = *sess.FollowUpStage
	}
	moved, err := s.stores.Sessions.AdvanceFollowUp(dctx, sess.ID, stepIndex, stepIndex+1)
	if err != nil {
		slog.Error("scheduler: pointer advance failed", "session", sess.ID, "error", err)
		return false
	}
	if !moved {
		slog.Info("scheduler: pointer moved concurrently, not advancing", "session", sess.ID, "expected", stepIndex)
		return false
	}

	if err := s.stores.Sessions.UpdateContext(dctx, sess.ID, func(c *store.SessionContext) {
		c.LastOutboundAt = s.cfg.now().Unix()
		c.LastOutboundBy = store.OutboundByBot
	}); err != nil {
		slog.Error("scheduler: outbound context update failed", "session", sess.ID, "error", err)
	}

	slog.Info("scheduler: follow-up sent",
		"tenant", tenant.ID, "session", sess.ID, "stage", step.Stage, "touch", step.Touch, "nextIndex", stepIndex+1)
	return true
}

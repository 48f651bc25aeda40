package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/bus"
	"github.com/nextlevelbuilder/funnelgate/internal/cache"
	"github.com/nextlevelbuilder/funnelgate/internal/funnel"
	"github.com/nextlevelbuilder/funnelgate/internal/orchestrator"
	"github.com/nextlevelbuilder/funnelgate/internal/provider"
	"github.com/nextlevelbuilder/funnelgate/internal/store"
	"github.com/nextlevelbuilder/funnelgate/internal/store/memory"
)

type followUpCall struct {
	sessionID string
	stage     int
	touch     int
	nextStage int
}

type fakeProvider struct {
	mu    sync.Mutex
	err   error
	reply string
	calls []followUpCall
}

func (p *fakeProvider) Kind() string { return "fake" }

func (p *fakeProvider) SendMessage(context.Context, *store.BotBinding, *provider.Request) (string, error) {
	return "", errors.New("not used")
}

func (p *fakeProvider) SendFollowUp(_ context.Context, _ *store.BotBinding, req *provider.Request, step, next *funnel.Step) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := followUpCall{sessionID: req.SessionID, stage: step.Stage, touch: step.Touch}
	if next != nil {
		call.nextStage = next.Stage
	}
	p.calls = append(p.calls, call)
	return p.reply, p.err
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeSink struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSink) SendReply(_ context.Context, _, _, text, _ string, _ map[string]string) (*bus.DeliveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return &bus.DeliveryResult{}, nil
}

type fixture struct {
	sessions *memory.SessionStore
	bots     *memory.BotStore
	funnels  *memory.FunnelStore
	tenants  *memory.TenantStore
	prov     *fakeProvider
	sink     *fakeSink
	sched    *Scheduler
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sessions: memory.NewSessionStore(),
		bots:     memory.NewBotStore(),
		funnels:  memory.NewFunnelStore(),
		tenants:  memory.NewTenantStore(),
		prov:     &fakeProvider{},
		sink:     &fakeSink{},
		now:      time.Now(),
	}
	stores := &store.Stores{Sessions: f.sessions, Bots: f.bots, Funnels: f.funnels, Tenants: f.tenants}
	f.tenants.Put(&store.Tenant{ID: "t1", Name: "acme"})
	f.bots.Put(&store.BotBinding{ID: "b1", TenantID: "t1", Kind: "fake", Enabled: true})

	deps := orchestrator.NewDependencyBuilder(f.funnels, cache.New("test"))
	f.sched = New(stores, deps, provider.NewRegistry(f.prov), f.sink, Config{
		Workers: 2,
		now:     func() time.Time { return f.now },
	})
	return f
}

// twoTouchFunnel has stage 1 with touch 1 due immediately and touch 2 due
// after 60 minutes.
func (f *fixture) twoTouchFunnel() *store.Funnel {
	stages, _ := json.Marshal([]map[string]any{{
		"stage": 1,
		"touches": []map[string]any{
			{"touch": 1, "delayMin": 0, "template": "hi again"},
			{"touch": 2, "delayMin": 60, "template": "still there?"},
		},
	}})
	fn := &store.Funnel{ID: "f1", TenantID: "t1", Name: "sales", FollowUpEnable: true, Stages: stages, UpdatedAt: f.now}
	f.funnels.Put(fn)
	return fn
}

func (f *fixture) eligibleSession(id string) *store.Session {
	funnelID := "f1"
	sess := &store.Session{
		ID:            id,
		TenantID:      "t1",
		BotID:         "b1",
		RemoteContact: "5511999@s.net",
		ProviderKind:  "fake",
		Status:        store.StatusOpened,
		AwaitUser:     true,
		FunnelID:      &funnelID,
		FunnelEnable:  true,
		FollowUpEnable: true,
		Context: store.SessionContext{
			LastInboundAt:  f.now.Add(-time.Minute).Unix(),
			LastOutboundAt: f.now.Add(-30 * time.Second).Unix(),
			LastOutboundBy: store.OutboundByBot,
		},
	}
	f.sessions.Put(sess)
	return sess
}

func followUpStage(t *testing.T, f *fixture, id string) int {
	t.Helper()
	sess, err := f.sessions.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.FollowUpStage == nil {
		return 0
	}
	return *sess.FollowUpStage
}

func TestTickDispatchesDueTouchAndAdvances(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	f.eligibleSession("s1")
	f.prov.reply = "hi again"

	f.sched.Tick(context.Background(), "")

	if n := f.prov.callCount(); n != 1 {
		t.Fatalf("follow-up calls = %d, want 1", n)
	}
	f.prov.mu.Lock()
	call := f.prov.calls[0]
	f.prov.mu.Unlock()
	if call.stage != 1 || call.touch != 1 {
		t.Errorf("dispatched stage/touch = %d/%d, want 1/1", call.stage, call.touch)
	}
	if got := followUpStage(t, f, "s1"); got != 1 {
		t.Errorf("followUpStage = %d, want 1", got)
	}
	if len(f.sink.sent) != 1 || f.sink.sent[0] != "hi again" {
		t.Errorf("forwarded replies = %v", f.sink.sent)
	}
}

func TestSecondTouchWaitsForItsDelay(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	f.eligibleSession("s1")

	ctx := context.Background()
	f.sched.Tick(ctx, "") // dispatches touch 1, pointer -> 1

	// 30 minutes later: touch 2 needs 60 minutes from the new outbound stamp.
	f.now = f.now.Add(30 * time.Minute)
	f.sched.Tick(ctx, "")
	if n := f.prov.callCount(); n != 1 {
		t.Fatalf("calls after 30min = %d, want still 1", n)
	}

	// 61 minutes after the touch-1 outbound: touch 2 is ripe.
	f.now = f.now.Add(31 * time.Minute)
	f.sched.Tick(ctx, "")
	if n := f.prov.callCount(); n != 2 {
		t.Fatalf("calls after 61min = %d, want 2", n)
	}
	if got := followUpStage(t, f, "s1"); got != 2 {
		t.Errorf("followUpStage = %d, want 2", got)
	}
}

func TestTickIsIdempotentWithinDelayWindow(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	f.eligibleSession("s1")

	ctx := context.Background()
	f.sched.Tick(ctx, "")
	f.sched.Tick(ctx, "")

	if n := f.prov.callCount(); n != 1 {
		t.Errorf("calls after double tick = %d, want 1", n)
	}
}

func TestManagerOutboundSuppressesFollowUp(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	sess := f.eligibleSession("s1")
	sess.Context.LastOutboundBy = store.OutboundByManager
	sess.Context.LastOutboundAt = f.now.Add(-24 * time.Hour).Unix()
	sess.Context.LastInboundAt = f.now.Add(-25 * time.Hour).Unix()
	f.sessions.Put(sess)

	f.sched.Tick(context.Background(), "")

	if n := f.prov.callCount(); n != 0 {
		t.Errorf("calls = %d, operator-held session must never dispatch", n)
	}
}

func TestUserReplySinceLastOutboundSkips(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	sess := f.eligibleSession("s1")
	sess.Context.LastInboundAt = f.now.Add(-time.Minute).Unix()
	sess.Context.LastOutboundAt = f.now.Add(-2 * time.Hour).Unix()
	f.sessions.Put(sess)

	f.sched.Tick(context.Background(), "")

	if n := f.prov.callCount(); n != 0 {
		t.Errorf("calls = %d, replied session must wait for a fresh outbound", n)
	}
}

func TestInboundOnlyReferencePointDispatches(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	sess := f.eligibleSession("s1")
	// No outbound yet: the replied-since-outbound skip applies only once an
	// outbound stamp exists, so the inbound timestamp alone anchors the delay.
	sess.Context.LastOutboundAt = 0
	sess.Context.LastOutboundBy = ""
	f.sessions.Put(sess)

	f.sched.Tick(context.Background(), "")

	if n := f.prov.callCount(); n != 1 {
		t.Errorf("calls = %d, inbound-only session must still dispatch", n)
	}
}

func TestEligibilityGating(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()

	cases := []struct {
		name   string
		mutate func(*store.Session)
	}{
		{"awaitUser false", func(s *store.Session) { s.AwaitUser = false }},
		{"followUpEnable false", func(s *store.Session) { s.FollowUpEnable = false }},
		{"funnelEnable false", func(s *store.Session) { s.FunnelEnable = false }},
		{"no funnel bound", func(s *store.Session) { s.FunnelID = nil }},
		{"closed", func(s *store.Session) { s.Status = store.StatusClosed }},
		{"paused", func(s *store.Session) { s.Status = store.StatusPaused }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := f.eligibleSession("s-" + tc.name)
			tc.mutate(sess)
			f.sessions.Put(sess)

			before := f.prov.callCount()
			f.sched.Tick(context.Background(), "")
			if n := f.prov.callCount(); n != before {
				t.Errorf("session dispatched despite %s", tc.name)
			}
		})
	}
}

func TestFunnelLevelFollowUpDisableSkips(t *testing.T) {
	f := newFixture(t)
	fn := f.twoTouchFunnel()
	fn.FollowUpEnable = false
	f.funnels.Put(fn)
	f.eligibleSession("s1")

	f.sched.Tick(context.Background(), "")

	if n := f.prov.callCount(); n != 0 {
		t.Errorf("calls = %d, funnel with follow-up disabled must not dispatch", n)
	}
}

func TestMissingFunnelSkipsSessionOnly(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	f.eligibleSession("s1")

	orphanID := "gone"
	orphan := f.eligibleSession("s2")
	orphan.FunnelID = &orphanID
	f.sessions.Put(orphan)

	f.sched.Tick(context.Background(), "")

	if n := f.prov.callCount(); n != 1 {
		t.Errorf("calls = %d, the healthy session must still dispatch", n)
	}
}

func TestExhaustedFunnelSkips(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	sess := f.eligibleSession("s1")
	stage := 2
	sess.FollowUpStage = &stage
	f.sessions.Put(sess)

	f.sched.Tick(context.Background(), "")

	if n := f.prov.callCount(); n != 0 {
		t.Errorf("calls = %d, exhausted pointer must not dispatch", n)
	}
}

func TestProviderFailureLeavesPointer(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	f.eligibleSession("s1")
	f.prov.err = errors.New("boom")

	ctx := context.Background()
	f.sched.Tick(ctx, "")

	if got := followUpStage(t, f, "s1"); got != 0 {
		t.Fatalf("followUpStage = %d after failure, want 0", got)
	}

	// Next sweep retries the same step once the provider recovers.
	f.prov.err = nil
	f.sched.Tick(ctx, "")
	if got := followUpStage(t, f, "s1"); got != 1 {
		t.Errorf("followUpStage = %d after retry, want 1", got)
	}
}

func TestConcurrentPointerMoveIsNotOverwritten(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	sess := f.eligibleSession("s1")

	// Another instance advanced the pointer between candidate selection and
	// dispatch completion.
	moved, err := f.sessions.AdvanceFollowUp(context.Background(), sess.ID, 0, 1)
	if err != nil || !moved {
		t.Fatalf("seed advance: moved=%v err=%v", moved, err)
	}

	steps := funnel.Load(f.mustFunnel(t, "f1").Stages)
	st := steps[0]
	ok := f.sched.dispatchFollowUp(context.Background(), sess, f.mustFunnel(t, "f1"), &st, nil)
	if ok {
		t.Error("dispatch reported an advance despite the concurrent move")
	}
	if got := followUpStage(t, f, "s1"); got != 1 {
		t.Errorf("followUpStage = %d, want the concurrent value 1", got)
	}
}

func TestTenantScopedTick(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	f.eligibleSession("s1")

	f.tenants.Put(&store.Tenant{ID: "t2", Name: "other"})
	f.bots.Put(&store.BotBinding{ID: "b2", TenantID: "t2", Kind: "fake", Enabled: true})
	other := f.eligibleSession("s2")
	other.TenantID = "t2"
	other.BotID = "b2"
	f.sessions.Put(other)

	f.sched.Tick(context.Background(), "t2")

	if n := f.prov.callCount(); n != 1 {
		t.Fatalf("calls = %d, want only the scoped tenant's session", n)
	}
	f.prov.mu.Lock()
	got := f.prov.calls[0].sessionID
	f.prov.mu.Unlock()
	if got != "s2" {
		t.Errorf("dispatched session = %q, want s2", got)
	}
}

func TestDeletedTenantSkips(t *testing.T) {
	f := newFixture(t)
	f.twoTouchFunnel()
	f.eligibleSession("s1")
	f.tenants.Put(&store.Tenant{ID: "t1", Name: "acme", Deleted: true})

	f.sched.Tick(context.Background(), "")

	if n := f.prov.callCount(); n != 0 {
		t.Errorf("calls = %d, deleted tenant must not dispatch", n)
	}
}

func (f *fixture) mustFunnel(t *testing.T, id string) *store.Funnel {
	t.Helper()
	fn, err := f.funnels.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return fn
}

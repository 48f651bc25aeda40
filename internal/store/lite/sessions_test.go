package lite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

func testStores(t *testing.T) *store.Stores {
	t.Helper()
	stores, err := NewLiteStores(store.Config{SQLitePath: filepath.Join(t.TempDir(), "gateway.db")})
	if err != nil {
		t.Fatal(err)
	}
	return stores
}

func TestGetOrCreateIsIdempotentPerTuple(t *testing.T) {
	stores := testStores(t)
	ctx := context.Background()

	first, err := stores.Sessions.GetOrCreate(ctx, "t1", "b1", "c1", store.KindWorkflow)
	if err != nil {
		t.Fatal(err)
	}
	second, err := stores.Sessions.GetOrCreate(ctx, "t1", "b1", "c1", store.KindWorkflow)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("same tuple produced two sessions: %s vs %s", first.ID, second.ID)
	}
	if first.Status != store.StatusOpened {
		t.Errorf("new session status = %s, want opened", first.Status)
	}

	other, err := stores.Sessions.GetOrCreate(ctx, "t1", "b1", "c2", store.KindWorkflow)
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Error("different contact reused the same session")
	}
}

func TestCreateMissingSkipsExisting(t *testing.T) {
	stores := testStores(t)
	ctx := context.Background()

	if _, err := stores.Sessions.GetOrCreate(ctx, "t1", "b1", "c1", store.KindWorkflow); err != nil {
		t.Fatal(err)
	}

	created, err := stores.Sessions.CreateMissing(ctx, "t1", "b1", store.KindWorkflow, []string{"c1", "c2", "c3"})
	if err != nil {
		t.Fatal(err)
	}
	if created != 2 {
		t.Errorf("created = %d, want 2", created)
	}
}

func TestUpdateContextRoundTrips(t *testing.T) {
	stores := testStores(t)
	ctx := context.Background()

	sess, err := stores.Sessions.GetOrCreate(ctx, "t1", "b1", "c1", store.KindWorkflow)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().Unix()
	if err := stores.Sessions.UpdateContext(ctx, sess.ID, func(c *store.SessionContext) {
		c.LastInboundAt = now
		c.LastInboundKeyID = "k1"
	}); err != nil {
		t.Fatal(err)
	}
	// A second mutation must not wipe the first one's fields.
	if err := stores.Sessions.UpdateContext(ctx, sess.ID, func(c *store.SessionContext) {
		c.LastOutboundAt = now + 1
		c.LastOutboundBy = store.OutboundByBot
	}); err != nil {
		t.Fatal(err)
	}

	got, err := stores.Sessions.GetContext(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastInboundAt != now || got.LastInboundKeyID != "k1" {
		t.Errorf("inbound fields lost: %+v", got)
	}
	if got.LastOutboundAt != now+1 || got.LastOutboundBy != store.OutboundByBot {
		t.Errorf("outbound fields wrong: %+v", got)
	}
}

func TestAdvanceFollowUpIsConditional(t *testing.T) {
	stores := testStores(t)
	ctx := context.Background()

	sess, err := stores.Sessions.GetOrCreate(ctx, "t1", "b1", "c1", store.KindWorkflow)
	if err != nil {
		t.Fatal(err)
	}

	// NULL pointer counts as zero.
	moved, err := stores.Sessions.AdvanceFollowUp(ctx, sess.ID, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !moved {
		t.Fatal("advance from the initial pointer failed")
	}

	// A stale expectation must not move the pointer.
	moved, err = stores.Sessions.AdvanceFollowUp(ctx, sess.ID, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if moved {
		t.Error("advance succeeded against a stale expected value")
	}

	got, err := stores.Sessions.GetByID(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FollowUpStage == nil || *got.FollowUpStage != 1 {
		t.Errorf("followUpStage = %v, want 1", got.FollowUpStage)
	}
}

func TestListEligibleFollowUpsFilters(t *testing.T) {
	stores := testStores(t)
	ctx := context.Background()

	seed := func(contact string, prep func(*store.Session) error) string {
		sess, err := stores.Sessions.GetOrCreate(ctx, "t1", "b1", contact, store.KindWorkflow)
		if err != nil {
			t.Fatal(err)
		}
		if prep != nil {
			if err := prep(sess); err != nil {
				t.Fatal(err)
			}
		}
		return sess.ID
	}

	eligible := seed("c-ok", func(s *store.Session) error {
		if _, err := stores.Sessions.BindFunnel(ctx, s.ID, "f1"); err != nil {
			return err
		}
		if err := stores.Sessions.SetFollowUpEnable(ctx, s.ID, true); err != nil {
			return err
		}
		return stores.Sessions.UpdateState(ctx, s.ID, store.StatusOpened, true)
	})
	seed("c-no-funnel", func(s *store.Session) error {
		if err := stores.Sessions.SetFollowUpEnable(ctx, s.ID, true); err != nil {
			return err
		}
		return stores.Sessions.UpdateState(ctx, s.ID, store.StatusOpened, true)
	})
	seed("c-not-awaiting", func(s *store.Session) error {
		if _, err := stores.Sessions.BindFunnel(ctx, s.ID, "f1"); err != nil {
			return err
		}
		if err := stores.Sessions.SetFollowUpEnable(ctx, s.ID, true); err != nil {
			return err
		}
		return stores.Sessions.UpdateState(ctx, s.ID, store.StatusOpened, false)
	})
	seed("c-closed", func(s *store.Session) error {
		if _, err := stores.Sessions.BindFunnel(ctx, s.ID, "f1"); err != nil {
			return err
		}
		if err := stores.Sessions.SetFollowUpEnable(ctx, s.ID, true); err != nil {
			return err
		}
		return stores.Sessions.UpdateState(ctx, s.ID, store.StatusClosed, true)
	})

	got, err := stores.Sessions.ListEligibleFollowUps(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != eligible {
		ids := make([]string, len(got))
		for i, s := range got {
			ids[i] = s.RemoteContact
		}
		t.Errorf("eligible = %v, want only c-ok", ids)
	}

	scoped, err := stores.Sessions.ListEligibleFollowUps(ctx, "other-tenant")
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 0 {
		t.Errorf("scoped sweep returned %d sessions for a foreign tenant", len(scoped))
	}
}

func TestFindMissingReturnsNotFound(t *testing.T) {
	stores := testStores(t)

	if _, err := stores.Sessions.Find(context.Background(), "t1", "b1", "nobody"); err != store.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

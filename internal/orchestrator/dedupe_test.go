package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/bus"
	"github.com/nextlevelbuilder/funnelgate/internal/cache"
)

func TestDedupSetGetClear(t *testing.T) {
	d := NewDedupStore()

	d.Set("s1", "k1")
	key, age, ok := d.Get("s1")
	if !ok || key != "k1" {
		t.Fatalf("Get = (%q, %v), want k1", key, ok)
	}
	if age < 0 || age > time.Second {
		t.Errorf("age = %v, want near zero", age)
	}

	d.Set("s1", "k2")
	if key, _, _ := d.Get("s1"); key != "k2" {
		t.Errorf("key after overwrite = %q, want k2", key)
	}

	d.Clear("s1")
	if _, _, ok := d.Get("s1"); ok {
		t.Error("entry survived Clear")
	}
}

func TestDedupIgnoresEmptyValues(t *testing.T) {
	d := NewDedupStore()
	d.Set("", "k1")
	d.Set("s1", "")
	if _, _, ok := d.Get("s1"); ok {
		t.Error("empty keyID was stored")
	}
}

func TestDedupAgeTracksClock(t *testing.T) {
	d := NewDedupStore()
	now := time.Now()
	d.now = func() time.Time { return now }

	d.Set("s1", "k1")
	now = now.Add(25 * time.Second)

	_, age, ok := d.Get("s1")
	if !ok {
		t.Fatal("entry missing")
	}
	if age != 25*time.Second {
		t.Errorf("age = %v, want 25s", age)
	}
}

func TestDedupPrunesExpiredAtCapacity(t *testing.T) {
	d := NewDedupStore()
	now := time.Now()
	d.now = func() time.Time { return now }

	for i := 0; i < maxDedupEntries; i++ {
		d.Set(fmt.Sprintf("s%d", i), "k")
	}
	if len(d.entries) != maxDedupEntries {
		t.Fatalf("entries = %d, want full map", len(d.entries))
	}

	// All existing entries are now expired; the next insert prunes them.
	now = now.Add(dedupTTL + time.Second)
	d.Set("fresh", "k")

	if len(d.entries) != 1 {
		t.Errorf("entries after prune = %d, want 1", len(d.entries))
	}
	if _, _, ok := d.Get("fresh"); !ok {
		t.Error("fresh entry missing after prune")
	}
}

func TestDedupEvictsWhenNothingExpired(t *testing.T) {
	d := NewDedupStore()

	for i := 0; i < maxDedupEntries; i++ {
		d.Set(fmt.Sprintf("s%d", i), "k")
	}
	d.Set("overflow", "k")

	if len(d.entries) > maxDedupEntries {
		t.Errorf("entries = %d, cap breached", len(d.entries))
	}
	if _, _, ok := d.Get("overflow"); !ok {
		t.Error("newest entry was the one evicted")
	}
}

func TestInvalidatorEvictsFunnelPayload(t *testing.T) {
	c := cache.New("test")
	ctx := context.Background()

	c.Set(ctx, cache.FunnelKey("f1"), map[string]any{"id": "f1"}, 0)
	inv := NewInvalidator(c)
	inv.Handle(ctx, bus.CacheInvalidatePayload{Kind: bus.CacheKindFunnel, Key: "f1"})

	var out map[string]any
	if c.Get(ctx, cache.FunnelKey("f1"), &out) {
		t.Error("funnel payload survived invalidation")
	}
}

func TestInvalidatorSessionClosedDropsMessages(t *testing.T) {
	c := cache.New("test")
	ctx := context.Background()

	c.Set(ctx, cache.SessionMessagesKey("s1"), []string{"hi"}, 0)
	NewInvalidator(c).SessionClosed(ctx, "s1")

	var out []string
	if c.Get(ctx, cache.SessionMessagesKey("s1"), &out) {
		t.Error("session messages survived close")
	}
}

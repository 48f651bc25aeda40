package cache

import (
	"context"
	"testing"
	"time"
)

func TestLayered_GetSetDelete(t *testing.T) {
	c := New("test")
	ctx := context.Background()

	var got string
	if c.Get(ctx, "missing", &got) {
		t.Fatal("Get on empty cache returned a hit")
	}

	c.Set(ctx, "greeting", "hello", 0)
	if !c.Get(ctx, "greeting", &got) {
		t.Fatal("Get after Set missed")
	}
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}

	c.Delete(ctx, "greeting")
	if c.Get(ctx, "greeting", &got) {
		t.Error("Get after Delete returned a hit")
	}
}

func TestLayered_TTLExpiry(t *testing.T) {
	c := New("test")
	ctx := context.Background()

	c.Set(ctx, "ephemeral", 42, 10*time.Millisecond)

	var got int
	if !c.Get(ctx, "ephemeral", &got) || got != 42 {
		t.Fatalf("immediate Get failed, got %d", got)
	}

	time.Sleep(25 * time.Millisecond)
	if c.Get(ctx, "ephemeral", &got) {
		t.Error("Get after TTL elapsed returned a hit")
	}
}

func TestLayered_StoresStructuredValues(t *testing.T) {
	type payload struct {
		Funnel map[string]any `json:"funnel"`
		Prompt string         `json:"agent_prompt"`
	}
	c := New("test")
	ctx := context.Background()

	in := payload{Funnel: map[string]any{"id": "f1"}, Prompt: "be nice"}
	c.Set(ctx, "deps:b1", in, 0)

	var out payload
	if !c.Get(ctx, "deps:b1", &out) {
		t.Fatal("miss on structured value")
	}
	if out.Prompt != "be nice" || out.Funnel["id"] != "f1" {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestLayered_HashFields(t *testing.T) {
	c := New("test")
	ctx := context.Background()

	c.HashSet(ctx, "tenant:t1", "bot:b1", "v1")
	c.HashSet(ctx, "tenant:t1", "bot:b2", "v2")

	var got string
	if !c.HashGet(ctx, "tenant:t1", "bot:b1", &got) || got != "v1" {
		t.Fatalf("HashGet b1 = %q", got)
	}

	c.HashDelete(ctx, "tenant:t1", "bot:b1")
	if c.HashGet(ctx, "tenant:t1", "bot:b1", &got) {
		t.Error("HashGet after field delete returned a hit")
	}
	if !c.HashGet(ctx, "tenant:t1", "bot:b2", &got) {
		t.Error("unrelated field was evicted")
	}

	// Empty field drops the whole hash.
	c.HashDelete(ctx, "tenant:t1", "")
	if c.HashGet(ctx, "tenant:t1", "bot:b2", &got) {
		t.Error("HashGet after hash delete returned a hit")
	}
}

func TestDependencyKey_Fingerprint(t *testing.T) {
	botAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	funnelAt := time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)

	base := DependencyKey("b1", botAt, "f1", funnelAt)
	if base != DependencyKey("b1", botAt, "f1", funnelAt) {
		t.Error("key not stable for identical inputs")
	}
	if base == DependencyKey("b1", botAt.Add(time.Second), "f1", funnelAt) {
		t.Error("bot edit did not move the key")
	}
	if base == DependencyKey("b1", botAt, "f1", funnelAt.Add(time.Second)) {
		t.Error("funnel edit did not move the key")
	}

	unbound := DependencyKey("b1", botAt, "", time.Time{})
	if unbound != DependencyKey("b1", botAt, "", time.Time{}) {
		t.Error("unbound funnel key not stable")
	}
}

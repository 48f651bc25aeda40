package funnel

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNormalizeStages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int // stage count, -1 for nil
	}{
		{"array", `[{"stage":1},{"stage":2}]`, 2},
		{"double encoded", `"[{\"stage\":1}]"`, 1},
		{"object", `{"stage":1}`, -1},
		{"garbage string", `"not json"`, -1},
		{"empty", ``, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeStages(json.RawMessage(tt.raw))
			if tt.want == -1 {
				if got != nil {
					t.Errorf("NormalizeStages(%q) = %v, want nil", tt.raw, got)
				}
				return
			}
			if len(got) != tt.want {
				t.Errorf("NormalizeStages(%q) returned %d stages, want %d", tt.raw, len(got), tt.want)
			}
		})
	}
}

func TestFlatten_OrderAndDefaults(t *testing.T) {
	raw := json.RawMessage(`[
		{"stage": 1, "title": "Warmup", "objective": "re-engage", "touches": [
			{"touch": 1, "delayMin": 0},
			{"delayMin": 60, "condition": "no reply"}
		]},
		{"touches": [
			{"touch": 5, "delayMin": 1440, "template": "last call"}
		]}
	]`)

	steps := Load(raw)
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}

	want := []Step{
		{Stage: 1, Touch: 1, DelayMin: 0, Title: "Warmup", Objective: "re-engage"},
		{Stage: 1, Touch: 2, DelayMin: 60, Condition: "no reply", Title: "Warmup", Objective: "re-engage"},
		{Stage: 2, Touch: 5, DelayMin: 1440, Template: "last call", Title: "Stage 2"},
	}
	if !reflect.DeepEqual(steps, want) {
		t.Errorf("Flatten mismatch:\n got %+v\nwant %+v", steps, want)
	}
}

func TestFlatten_DropsMalformedTouches(t *testing.T) {
	raw := json.RawMessage(`[{"stage": 1, "touches": [
		{"touch": 1, "delayMin": -5},
		{"touch": 2},
		{"touch": 3, "delayMin": "abc"},
		{"touch": 4, "delayMin": "30"},
		"not an object"
	]}]`)

	steps := Load(raw)
	if len(steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(steps))
	}
	if steps[0].Touch != 4 || steps[0].DelayMin != 30 {
		t.Errorf("kept wrong step: %+v", steps[0])
	}
}

func TestFlatten_Deterministic(t *testing.T) {
	raw := json.RawMessage(`[
		{"stage": 2, "touches": [{"touch":1,"delayMin":10},{"touch":2,"delayMin":20}]},
		{"stage": 3, "touches": [{"touch":1,"delayMin":30}]}
	]`)

	first := Load(raw)
	for i := 0; i < 5; i++ {
		again := Load(raw)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("flattening not stable on pass %d:\n got %+v\nwant %+v", i, again, first)
		}
	}
}

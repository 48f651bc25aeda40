// Package funnel normalizes persisted funnel stage data and flattens it into
// the ordered step list the follow-up scheduler walks. Flattening is
// deterministic: unchanged stage data always yields the same step at the same
// index.
package funnel

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Step is one touch within a flattened funnel, indexed 0..N-1 by the
// session's followUpStage pointer.
type Step struct {
	Stage                int     `json:"stage"`
	Touch                int     `json:"touch"`
	DelayMin             float64 `json:"delayMin"`
	Template             string  `json:"template,omitempty"`
	Condition            string  `json:"condition,omitempty"`
	Title                string  `json:"title,omitempty"`
	Objective            string  `json:"objective,omitempty"`
	LogicStage           string  `json:"logicStage,omitempty"`
	CommonTouchCondition string  `json:"commonTouchCondition,omitempty"`
}

// NormalizeStages decodes persisted stage data. Accepts a JSON array or a
// JSON string containing a serialized array (older writers double-encode);
// anything else yields nil.
func NormalizeStages(raw json.RawMessage) []map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var stages []map[string]any
	if err := json.Unmarshal(raw, &stages); err == nil {
		return stages
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(inner), &stages); err != nil {
		return nil
	}
	return stages
}

// Flatten walks stages in order, appending each touch with a finite,
// non-negative delay. Malformed touches are dropped; stage and touch numbers
// default to their 1-based positions.
func Flatten(stages []map[string]any) []Step {
	var steps []Step
	for stageIndex, stage := range stages {
		touches, _ := stage["touches"].([]any)
		stageNumber := intOr(stage["stage"], stageIndex+1)
		title := strOr(stage["title"], fmt.Sprintf("Stage %d", stageNumber))
		objective := strOr(stage["objective"], "")
		logicStage := strOr(stage["logicStage"], "")
		commonTouchCondition := strOr(stage["commonTouchCondition"], "")

		for idx, item := range touches {
			touch, ok := item.(map[string]any)
			if !ok {
				continue
			}
			delayMin, ok := toNumber(touch["delayMin"])
			if !ok || math.IsInf(delayMin, 0) || math.IsNaN(delayMin) || delayMin < 0 {
				continue
			}
			steps = append(steps, Step{
				Stage:                stageNumber,
				Touch:                intOr(touch["touch"], idx+1),
				DelayMin:             delayMin,
				Template:             strOr(touch["template"], ""),
				Condition:            strOr(touch["condition"], ""),
				Title:                title,
				Objective:            objective,
				LogicStage:           logicStage,
				CommonTouchCondition: commonTouchCondition,
			})
		}
	}
	return steps
}

// Load is the common path: normalize then flatten.
func Load(raw json.RawMessage) []Step {
	return Flatten(NormalizeStages(raw))
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intOr(v any, fallback int) int {
	if n, ok := toNumber(v); ok && n != 0 {
		return int(n)
	}
	return fallback
}

func strOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

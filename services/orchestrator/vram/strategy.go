// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vram

import (
	"sort"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// Strategy selects eviction victims. Implementations must never select
// CRITICAL or external models. The returned ids are in eviction order; the
// orchestrator stops once enough space is freed.
type Strategy interface {
	Name() string
	SelectVictims(loaded []datatypes.LoadedModel, requiredGB, currentGB, hardLimitGB float64) []string
}

// NewStrategy resolves a strategy by config name. Unknown names get the
// hybrid default.
func NewStrategy(name string) Strategy {
	switch name {
	case "lru":
		return lruStrategy{}
	case "priority":
		return priorityStrategy{}
	default:
		return hybridStrategy{}
	}
}

// evictable filters out models that must never be selected.
func evictable(loaded []datatypes.LoadedModel) []datatypes.LoadedModel {
	out := make([]datatypes.LoadedModel, 0, len(loaded))
	for _, m := range loaded {
		if m.IsExternal || m.Priority == datatypes.PriorityCritical {
			continue
		}
		out = append(out, m)
	}
	return out
}

// accumulate walks candidates in order until the shortfall is covered.
// Returns nil when the candidates cannot free enough: partial eviction is
// worse than an explicit OverBudget.
func accumulate(candidates []datatypes.LoadedModel, requiredGB, currentGB, hardLimitGB float64) []string {
	toFree := currentGB + requiredGB - hardLimitGB
	if toFree <= 0 {
		return []string{}
	}
	var freed float64
	var victims []string
	for _, m := range candidates {
		victims = append(victims, m.ModelID)
		freed += m.SizeGB
		if freed >= toFree {
			return victims
		}
	}
	return nil
}

// hybridStrategy orders by priority rank (LOW first), then LRU age, then
// larger size first so space is freed in fewer victims.
type hybridStrategy struct{}

func (hybridStrategy) Name() string { return "hybrid" }

func (hybridStrategy) SelectVictims(loaded []datatypes.LoadedModel, requiredGB, currentGB, hardLimitGB float64) []string {
	cands := evictable(loaded)
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Priority != cands[j].Priority {
			// Higher numeric priority (LOW=4) evicts first.
			return cands[i].Priority > cands[j].Priority
		}
		if !cands[i].LastAccessed.Equal(cands[j].LastAccessed) {
			return cands[i].LastAccessed.Before(cands[j].LastAccessed)
		}
		return cands[i].SizeGB > cands[j].SizeGB
	})
	return accumulate(cands, requiredGB, currentGB, hardLimitGB)
}

// lruStrategy ignores priority entirely (except the CRITICAL guard).
type lruStrategy struct{}

func (lruStrategy) Name() string { return "lru" }

func (lruStrategy) SelectVictims(loaded []datatypes.LoadedModel, requiredGB, currentGB, hardLimitGB float64) []string {
	cands := evictable(loaded)
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].LastAccessed.Before(cands[j].LastAccessed)
	})
	return accumulate(cands, requiredGB, currentGB, hardLimitGB)
}

// priorityStrategy orders purely by priority rank, breaking ties by size.
type priorityStrategy struct{}

func (priorityStrategy) Name() string { return "priority" }

func (priorityStrategy) SelectVictims(loaded []datatypes.LoadedModel, requiredGB, currentGB, hardLimitGB float64) []string {
	cands := evictable(loaded)
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Priority != cands[j].Priority {
			return cands[i].Priority > cands[j].Priority
		}
		return cands[i].SizeGB > cands[j].SizeGB
	})
	return accumulate(cands, requiredGB, currentGB, hardLimitGB)
}

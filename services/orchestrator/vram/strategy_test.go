// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vram

import (
	"testing"
	"time"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

func model(id string, prio datatypes.Priority, sizeGB float64, ageSec int, external bool) datatypes.LoadedModel {
	t := time.Now().Add(-time.Duration(ageSec) * time.Second)
	return datatypes.LoadedModel{
		ModelID: id, Priority: prio, SizeGB: sizeGB,
		LoadedAt: t, LastAccessed: t, IsExternal: external,
	}
}

func TestHybrid_CriticalNeverSelected(t *testing.T) {
	// CRITICAL 60GB old, LOW 30GB young, hard=100, incoming 20GB → needs 10.
	loaded := []datatypes.LoadedModel{
		model("critical", datatypes.PriorityCritical, 60, 100, false),
		model("low", datatypes.PriorityLow, 30, 10, false),
	}
	victims := hybridStrategy{}.SelectVictims(loaded, 20, 90, 100)
	if len(victims) != 1 || victims[0] != "low" {
		t.Fatalf("victims = %v, want [low]", victims)
	}
}

func TestHybrid_ExternalNeverSelected(t *testing.T) {
	loaded := []datatypes.LoadedModel{
		model("ext", datatypes.PriorityLow, 50, 500, true),
		model("normal", datatypes.PriorityNormal, 20, 10, false),
	}
	victims := hybridStrategy{}.SelectVictims(loaded, 15, 20, 30)
	if len(victims) != 1 || victims[0] != "normal" {
		t.Fatalf("victims = %v, want [normal]", victims)
	}
}

func TestHybrid_NoPartialEviction(t *testing.T) {
	// Evictable space (10GB) cannot cover a 50GB shortfall → nil, not a
	// partial list.
	loaded := []datatypes.LoadedModel{
		model("critical", datatypes.PriorityCritical, 80, 100, false),
		model("small", datatypes.PriorityLow, 10, 10, false),
	}
	victims := hybridStrategy{}.SelectVictims(loaded, 60, 90, 100)
	if victims != nil {
		t.Fatalf("victims = %v, want nil (over budget)", victims)
	}
}

func TestHybrid_ExactFitNeedsNoEviction(t *testing.T) {
	loaded := []datatypes.LoadedModel{
		model("a", datatypes.PriorityNormal, 80, 10, false),
	}
	// current 80 + required 20 == hard 100 → empty victim list.
	victims := hybridStrategy{}.SelectVictims(loaded, 20, 80, 100)
	if victims == nil || len(victims) != 0 {
		t.Fatalf("victims = %v, want empty", victims)
	}
}

func TestHybrid_Ordering(t *testing.T) {
	loaded := []datatypes.LoadedModel{
		model("high-old", datatypes.PriorityHigh, 10, 1000, false),
		model("low-young", datatypes.PriorityLow, 10, 1, false),
		model("normal-old", datatypes.PriorityNormal, 10, 500, false),
	}
	// Force everything to be needed: shortfall 30.
	victims := hybridStrategy{}.SelectVictims(loaded, 40, 30, 40)
	want := []string{"low-young", "normal-old", "high-old"}
	if len(victims) != 3 {
		t.Fatalf("victims = %v, want %v", victims, want)
	}
	for i := range want {
		if victims[i] != want[i] {
			t.Fatalf("victims = %v, want %v", victims, want)
		}
	}
}

func TestHybrid_AgeTieBreakPrefersLargerSize(t *testing.T) {
	ts := time.Now().Add(-time.Minute)
	a := datatypes.LoadedModel{ModelID: "small", Priority: datatypes.PriorityNormal, SizeGB: 5, LastAccessed: ts}
	b := datatypes.LoadedModel{ModelID: "big", Priority: datatypes.PriorityNormal, SizeGB: 15, LastAccessed: ts}
	victims := hybridStrategy{}.SelectVictims([]datatypes.LoadedModel{a, b}, 15, 20, 25)
	if len(victims) == 0 || victims[0] != "big" {
		t.Fatalf("victims = %v, want big first", victims)
	}
}

func TestLRU_IgnoresPriority(t *testing.T) {
	loaded := []datatypes.LoadedModel{
		model("high-old", datatypes.PriorityHigh, 10, 1000, false),
		model("low-young", datatypes.PriorityLow, 10, 1, false),
	}
	victims := lruStrategy{}.SelectVictims(loaded, 15, 20, 25)
	if len(victims) == 0 || victims[0] != "high-old" {
		t.Fatalf("victims = %v, want high-old first", victims)
	}
}

func TestCrashTracker_WindowedThreshold(t *testing.T) {
	tr := NewCrashTracker(5*time.Minute, 2)
	base := time.Now()
	tr.now = func() time.Time { return base }

	if tr.Record("m", "oom") != 1 {
		t.Fatal("first crash should count 1")
	}
	if tr.NeedsProtection("m") {
		t.Fatal("one crash should not trip")
	}
	tr.now = func() time.Time { return base.Add(1 * time.Minute) }
	if tr.Record("m", "oom again") != 2 {
		t.Fatal("second crash should count 2")
	}
	if !tr.NeedsProtection("m") {
		t.Fatal("two crashes in window should trip")
	}

	// Outside the window the old records age out.
	tr.now = func() time.Time { return base.Add(10 * time.Minute) }
	if tr.Count("m") != 0 {
		t.Fatalf("count = %d, want 0 after window", tr.Count("m"))
	}
}

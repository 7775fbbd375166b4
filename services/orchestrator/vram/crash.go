// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vram

import (
	"sync"
	"time"
)

// CrashRecord is one crash observation for a model.
type CrashRecord struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// CrashTracker keeps a bounded, time-windowed crash history per model.
// A model with >= threshold crashes inside the window "needs protection"
// and, when CRITICAL, trips the profile fallback.
//
// # Thread Safety
//
// Safe for concurrent use.
type CrashTracker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	records   map[string][]CrashRecord
	now       func() time.Time
}

// NewCrashTracker builds a tracker. Zero window/threshold default to
// 5 minutes and 2 crashes.
func NewCrashTracker(window time.Duration, threshold int) *CrashTracker {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 2
	}
	return &CrashTracker{
		window:    window,
		threshold: threshold,
		records:   make(map[string][]CrashRecord),
		now:       time.Now,
	}
}

// Record registers a crash and returns the in-window count after pruning.
func (t *CrashTracker) Record(modelID, reason string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	recs := t.prune(modelID, now)
	recs = append(recs, CrashRecord{At: now, Reason: reason})
	t.records[modelID] = recs
	return len(recs)
}

// Count returns the in-window crash count without recording.
func (t *CrashTracker) Count(modelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := t.prune(modelID, t.now())
	t.records[modelID] = recs
	return len(recs)
}

// NeedsProtection reports whether the model has hit the crash threshold
// within the window.
func (t *CrashTracker) NeedsProtection(modelID string) bool {
	return t.Count(modelID) >= t.threshold
}

// Threshold exposes the configured trip count.
func (t *CrashTracker) Threshold() int { return t.threshold }

// Reset clears a model's history, used after a successful recovery.
func (t *CrashTracker) Reset(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, modelID)
}

// prune drops records older than the window. Caller holds the lock.
func (t *CrashTracker) prune(modelID string, now time.Time) []CrashRecord {
	cutoff := now.Add(-t.window)
	recs := t.records[modelID]
	kept := recs[:0]
	for _, r := range recs {
		if r.At.After(cutoff) {
			kept = append(kept, r)
		}
	}
	return kept
}

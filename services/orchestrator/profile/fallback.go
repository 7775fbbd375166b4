// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HealthProbe checks whether the backend that caused a fallback has
// recovered. Implemented by the backends package; nil error means healthy.
type HealthProbe func(ctx context.Context) error

// FallbackStatus is the snapshot reported in VRAM status.
type FallbackStatus struct {
	Active          bool      `json:"active"`
	OriginalProfile string    `json:"original_profile,omitempty"`
	FallbackProfile string    `json:"fallback_profile,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Since           time.Time `json:"since,omitempty"`
}

// FallbackManager swaps the registry to a conservative profile when the
// crash circuit breaker trips, and swaps back once the failing backend's
// health probe succeeds.
//
// The switch path is guarded by a non-reentrant TryLock so a burst of
// crash records cannot double-switch.
type FallbackManager struct {
	registry        *Registry
	fallbackProfile string
	probe           HealthProbe
	logger          *slog.Logger

	switchMu sync.Mutex // guards the trip/recover transitions

	mu       sync.RWMutex
	active   bool
	original string
	reason   string
	since    time.Time

	done chan struct{}
	once sync.Once
}

// NewFallbackManager wires a manager over the registry. fallbackProfile is
// the conservative target (typically "conservative").
func NewFallbackManager(registry *Registry, fallbackProfile string, probe HealthProbe, logger *slog.Logger) *FallbackManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackManager{
		registry:        registry,
		fallbackProfile: fallbackProfile,
		probe:           probe,
		logger:          logger.With(slog.String("component", "profile_fallback")),
		done:            make(chan struct{}),
	}
}

// TripFallback switches to the conservative profile, remembering the
// current one. No-op when fallback is already active or the active profile
// IS the fallback profile. Returns true when a switch happened.
func (f *FallbackManager) TripFallback(reason string) bool {
	if !f.switchMu.TryLock() {
		// A concurrent trip/recover is mid-flight; its outcome stands.
		return false
	}
	defer f.switchMu.Unlock()

	f.mu.RLock()
	already := f.active
	f.mu.RUnlock()
	if already {
		return false
	}

	current := f.registry.Active()
	if current == nil || current.Name == f.fallbackProfile {
		return false
	}
	if err := f.registry.Switch(f.fallbackProfile); err != nil {
		f.logger.Error("Fallback switch failed", "target", f.fallbackProfile, "error", err)
		return false
	}

	f.mu.Lock()
	f.active = true
	f.original = current.Name
	f.reason = reason
	f.since = time.Now()
	f.mu.Unlock()

	f.logger.Warn("Profile fallback tripped",
		"from", current.Name, "to", f.fallbackProfile, "reason", reason)
	return true
}

// Recover probes the previously failing backend; on the first success it
// switches back to the remembered profile and clears fallback state. A
// failed probe leaves fallback intact. Returns true on recovery.
func (f *FallbackManager) Recover(ctx context.Context) bool {
	f.mu.RLock()
	active, original := f.active, f.original
	f.mu.RUnlock()
	if !active {
		return false
	}
	if f.probe != nil {
		if err := f.probe(ctx); err != nil {
			f.logger.Debug("Recovery probe failed, staying on fallback", "error", err)
			return false
		}
	}

	if !f.switchMu.TryLock() {
		return false
	}
	defer f.switchMu.Unlock()

	if err := f.registry.Switch(original); err != nil {
		f.logger.Error("Recovery switch failed", "target", original, "error", err)
		return false
	}
	f.mu.Lock()
	f.active = false
	f.original = ""
	f.reason = ""
	f.mu.Unlock()

	f.logger.Info("Profile fallback recovered", "restored", original)
	return true
}

// Status reports current fallback state.
func (f *FallbackManager) Status() FallbackStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FallbackStatus{
		Active:          f.active,
		OriginalProfile: f.original,
		FallbackProfile: f.fallbackProfile,
		Reason:          f.reason,
		Since:           f.since,
	}
}

// ClearForSwitch resets fallback state when an operator manually switches
// profiles; the remembered original no longer applies.
func (f *FallbackManager) ClearForSwitch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.original = ""
	f.reason = ""
}

// StartRecoveryPoller drives Recover on the given interval until Stop or
// ctx cancellation. Recovery is active, not lazy: the poller probes even
// when no requests are arriving.
func (f *FallbackManager) StartRecoveryPoller(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				f.Recover(probeCtx)
				cancel()
			case <-ctx.Done():
				return
			case <-f.done:
				return
			}
		}
	}()
}

// Stop halts the recovery poller.
func (f *FallbackManager) Stop() {
	f.once.Do(func() { close(f.done) })
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vram admits model loads against the GPU memory budget, picks
// eviction victims, coordinates inference backends, and drives the crash
// circuit breaker with automatic profile fallback.
package vram

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/kodiak/services/orchestrator/backends"
	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
)

var tracer = otel.Tracer("kodiak.vram")

// largeModelGB is the admission size above which we flush the buffer
// cache first.
const largeModelGB = 30

// Orchestrator owns all LoadedModel state. Every mutation happens under
// its mutex; snapshots are consistent point-in-time copies.
type Orchestrator struct {
	registry *profile.Registry
	fallback *profile.FallbackManager
	manager  *backends.Manager
	strategy Strategy
	sampler  *MemorySampler
	crashes  *CrashTracker
	logger   *slog.Logger

	mu     sync.Mutex
	loaded map[string]*datatypes.LoadedModel

	// pending reserves capacity for admissions whose backend load is
	// still in flight, so concurrent loads of different models cannot
	// both admit against the same headroom.
	pending map[string]float64

	// loadGroup collapses concurrent EnsureLoaded calls for one model
	// into a single backend load.
	loadGroup singleflight.Group
}

// Config carries the orchestrator's tunables.
type Config struct {
	Strategy       string
	CrashWindow    time.Duration
	CrashThreshold int
}

// New builds the orchestrator.
func New(cfg Config, registry *profile.Registry, fallback *profile.FallbackManager,
	manager *backends.Manager, sampler *MemorySampler, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if sampler == nil {
		sampler = NewMemorySampler("", logger)
	}
	return &Orchestrator{
		registry: registry,
		fallback: fallback,
		manager:  manager,
		strategy: NewStrategy(cfg.Strategy),
		sampler:  sampler,
		crashes:  NewCrashTracker(cfg.CrashWindow, cfg.CrashThreshold),
		logger:   logger.With(slog.String("component", "vram_orchestrator")),
		loaded:   make(map[string]*datatypes.LoadedModel),
		pending:  make(map[string]float64),
	}
}

// DiscoverExternal registers models the backends already hold. Called at
// startup and after backend recovery; external models never count against
// the budget and are never evicted.
func (o *Orchestrator) DiscoverExternal(ctx context.Context) {
	for kind, models := range o.manager.ListExternal(ctx) {
		for _, m := range models {
			o.mu.Lock()
			if _, ok := o.loaded[m.ModelID]; !ok {
				now := time.Now()
				o.loaded[m.ModelID] = &datatypes.LoadedModel{
					ModelID:      m.ModelID,
					Backend:      kind,
					SizeGB:       m.SizeGB,
					Priority:     datatypes.PriorityNormal,
					LoadedAt:     now,
					LastAccessed: now,
					IsExternal:   true,
				}
				o.logger.Info("Registered external model",
					"model", m.ModelID, "backend", string(kind), "size_gb", m.SizeGB)
			}
			o.mu.Unlock()
		}
	}
	o.publishUsage()
}

// EnsureLoaded makes modelID resident. Already-loaded models get an LRU
// touch. Otherwise admission is computed against the hard limit, eviction
// runs if needed, and the owning backend loads the model.
//
// priorityOverride, when non-zero, replaces the profile's priority for
// this registration.
func (o *Orchestrator) EnsureLoaded(ctx context.Context, modelID string, priorityOverride datatypes.Priority) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.EnsureLoaded")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", modelID))

	// Fast path: touch and return.
	o.mu.Lock()
	if m, ok := o.loaded[modelID]; ok {
		m.LastAccessed = time.Now()
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	_, err, _ := o.loadGroup.Do(modelID, func() (any, error) {
		return nil, o.admitAndLoad(ctx, modelID, priorityOverride)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) admitAndLoad(ctx context.Context, modelID string, priorityOverride datatypes.Priority) error {
	cap := o.registry.Capability(modelID)
	prio := cap.PriorityValue()
	if priorityOverride != 0 {
		prio = priorityOverride
	}
	active := o.registry.Active()
	hard := active.VRAMHardLimitGB
	required := cap.VRAMSizeGB

	o.mu.Lock()
	// Re-check under the lock; a racing call may have finished.
	if m, ok := o.loaded[modelID]; ok {
		m.LastAccessed = time.Now()
		o.mu.Unlock()
		return nil
	}
	current := o.modelUsageLocked()
	var victims []string
	if current+required > hard {
		victims = o.strategy.SelectVictims(o.snapshotLocked(), required, current, hard)
		if victims == nil {
			o.mu.Unlock()
			modelLoadsTotal.WithLabelValues(string(cap.BackendKind()), "over_budget").Inc()
			return datatypes.Errorf(datatypes.KindOverBudget,
				"loading %s (%.1f GB) needs %.1f GB over the %.1f GB hard limit and eviction cannot cover it",
				modelID, required, current+required-hard, hard)
		}
	}
	// Reserve the capacity before releasing the lock; a concurrent
	// admission of a different model must see this load as committed.
	o.pending[modelID] = required
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.pending, modelID)
		o.mu.Unlock()
	}

	for _, victim := range victims {
		if err := o.unload(ctx, victim); err != nil {
			release()
			return err
		}
		evictionsTotal.WithLabelValues("admission").Inc()
	}

	if required >= largeModelGB {
		o.sampler.DropCaches()
	}

	if err := o.manager.Load(ctx, cap.BackendKind(), modelID, cap.KeepAlive); err != nil {
		release()
		modelLoadsTotal.WithLabelValues(string(cap.BackendKind()), "backend_error").Inc()
		return err
	}

	now := time.Now()
	o.mu.Lock()
	delete(o.pending, modelID)
	o.loaded[modelID] = &datatypes.LoadedModel{
		ModelID:      modelID,
		Backend:      cap.BackendKind(),
		SizeGB:       required,
		Priority:     prio,
		LoadedAt:     now,
		LastAccessed: now,
	}
	o.mu.Unlock()
	o.publishUsage()

	modelLoadsTotal.WithLabelValues(string(cap.BackendKind()), "ok").Inc()
	o.logger.Info("Model admitted",
		"model", modelID, "size_gb", required, "priority", prio.String(),
		"evicted", len(victims))
	return nil
}

// unload releases one model via its backend and drops the registration.
// External models are never unloaded from here.
func (o *Orchestrator) unload(ctx context.Context, modelID string) error {
	o.mu.Lock()
	m, ok := o.loaded[modelID]
	if !ok || m.IsExternal {
		o.mu.Unlock()
		return nil
	}
	kind := m.Backend
	o.mu.Unlock()

	if err := o.manager.Unload(ctx, kind, modelID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.loaded, modelID)
	o.mu.Unlock()
	o.publishUsage()
	o.logger.Info("Model unloaded", "model", modelID)
	return nil
}

// Unload releases a model on admin request. External models and unknown
// ids are no-ops.
func (o *Orchestrator) Unload(ctx context.Context, modelID string) error {
	return o.unload(ctx, modelID)
}

// MarkUnloaded drops the registration without a backend call, for models
// a backend reported gone (crash, external restart).
func (o *Orchestrator) MarkUnloaded(modelID string) {
	o.mu.Lock()
	delete(o.loaded, modelID)
	o.mu.Unlock()
	o.publishUsage()
}

// EmergencyEvict removes the single best victim whose priority value is
// >= belowPriority (lowest priority first, oldest access as tie-breaker).
// Returns the victim id, empty when nothing qualified.
func (o *Orchestrator) EmergencyEvict(ctx context.Context, belowPriority datatypes.Priority) string {
	o.mu.Lock()
	var victim *datatypes.LoadedModel
	for _, m := range o.loaded {
		if m.IsExternal || m.Priority == datatypes.PriorityCritical || m.Priority < belowPriority {
			continue
		}
		if victim == nil ||
			m.Priority > victim.Priority ||
			(m.Priority == victim.Priority && m.LastAccessed.Before(victim.LastAccessed)) {
			victim = m
		}
	}
	var id string
	if victim != nil {
		id = victim.ModelID
	}
	o.mu.Unlock()

	if id == "" {
		return ""
	}
	if err := o.unload(ctx, id); err != nil {
		o.logger.Error("Emergency eviction failed", "model", id, "error", err)
		return ""
	}
	evictionsTotal.WithLabelValues("emergency").Inc()
	o.logger.Warn("Emergency eviction", "model", id)
	return id
}

// RecordCrash notes a model crash. When the model is CRITICAL in the
// active profile and the windowed count reaches the threshold, the profile
// fallback trips.
func (o *Orchestrator) RecordCrash(modelID, reason string) {
	count := o.crashes.Record(modelID, reason)
	crashesTotal.WithLabelValues(modelID).Inc()
	o.logger.Warn("Model crash recorded",
		"model", modelID, "reason", reason, "window_count", count)

	cap, ok := o.registry.Active().Capability(modelID)
	if !ok || cap.PriorityValue() != datatypes.PriorityCritical {
		return
	}
	if count < o.crashes.Threshold() {
		return
	}
	if o.fallback != nil && o.fallback.TripFallback("critical model "+modelID+" crashed repeatedly") {
		fallbackTripsTotal.Inc()
		o.crashes.Reset(modelID)
	}
}

// Status returns a consistent snapshot for monitoring and admin surfaces.
func (o *Orchestrator) Status() datatypes.VRAMStatus {
	pressure := o.sampler.Sample()
	active := o.registry.Active()

	o.mu.Lock()
	models := o.snapshotLocked()
	usage := o.modelUsageLocked()
	o.mu.Unlock()

	st := datatypes.VRAMStatus{
		LoadedModels: models,
		TotalGB:      pressure.TotalGB,
		UsedGB:       pressure.UsedGB,
		AvailableGB:  pressure.AvailableGB,
		ModelUsageGB: usage,
		Pressure:     pressure,
	}
	if pressure.TotalGB > 0 {
		st.UsagePct = 100 * pressure.UsedGB / pressure.TotalGB
	}
	if active != nil {
		st.HardLimitGB = active.VRAMHardLimitGB
		st.SoftLimitGB = active.VRAMSoftLimitGB
		st.ActiveProfile = active.Name
	}
	if o.fallback != nil {
		st.FallbackActive = o.fallback.Status().Active
	}
	return st
}

// snapshotLocked copies the loaded map. Caller holds the lock.
func (o *Orchestrator) snapshotLocked() []datatypes.LoadedModel {
	out := make([]datatypes.LoadedModel, 0, len(o.loaded))
	for _, m := range o.loaded {
		out = append(out, *m)
	}
	return out
}

// modelUsageLocked sums non-external sizes plus reserved pending
// admissions. Caller holds the lock.
func (o *Orchestrator) modelUsageLocked() float64 {
	var sum float64
	for _, m := range o.loaded {
		if !m.IsExternal {
			sum += m.SizeGB
		}
	}
	for _, size := range o.pending {
		sum += size
	}
	return sum
}

func (o *Orchestrator) publishUsage() {
	o.mu.Lock()
	usage := o.modelUsageLocked()
	o.mu.Unlock()
	modelUsageGauge.Set(usage)
}

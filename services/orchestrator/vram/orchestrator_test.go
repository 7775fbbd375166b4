// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vram

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/orchestrator/backends"
	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
)

// fakeBackend records load/unload calls. loadStarted/loadGate, when set,
// let a test hold a load in flight.
type fakeBackend struct {
	kind        datatypes.BackendKind
	mu          sync.Mutex
	loads       []string
	unloads     []string
	external    []backends.ExternalModel
	loadErr     error
	loadStarted chan string
	loadGate    chan struct{}
}

func (f *fakeBackend) Kind() datatypes.BackendKind { return f.kind }
func (f *fakeBackend) Load(ctx context.Context, modelID, keepAlive string) error {
	if f.loadStarted != nil {
		f.loadStarted <- modelID
	}
	if f.loadGate != nil {
		<-f.loadGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loads = append(f.loads, modelID)
	return nil
}
func (f *fakeBackend) Unload(ctx context.Context, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads = append(f.unloads, modelID)
	return nil
}
func (f *fakeBackend) Cleanup(ctx context.Context, modelID string) error { return nil }
func (f *fakeBackend) ListExternal(ctx context.Context) ([]backends.ExternalModel, error) {
	return f.external, nil
}
func (f *fakeBackend) Healthy(ctx context.Context) error { return nil }
func (f *fakeBackend) Chat(ctx context.Context, req datatypes.ChatRequest) (*datatypes.ChatResponse, error) {
	return &datatypes.ChatResponse{}, nil
}
func (f *fakeBackend) ChatStream(ctx context.Context, req datatypes.ChatRequest) (<-chan datatypes.StreamChunk, error) {
	ch := make(chan datatypes.StreamChunk)
	close(ch)
	return ch, nil
}

func testProfiles(t *testing.T) *profile.Registry {
	t.Helper()
	roles := func(def string) profile.RoleMap {
		return profile.RoleMap{
			Router: def, SimpleCoder: def, ComplexCoder: def, Reasoning: def,
			Research: def, Math: def, Vision: def, Embedding: def,
			Summarization: def, ArtifactDetection: def, ArtifactExtraction: def,
		}
	}
	perf := &profile.Profile{
		Name: "performance",
		Models: []profile.ModelCapability{
			{Name: "big-critical", Backend: "ollama", VRAMSizeGB: 60, Priority: "CRITICAL"},
			{Name: "low-model", Backend: "ollama", VRAMSizeGB: 30, Priority: "LOW"},
			{Name: "incoming", Backend: "ollama", VRAMSizeGB: 20, Priority: "NORMAL"},
			{Name: "huge", Backend: "ollama", VRAMSizeGB: 90, Priority: "NORMAL"},
		},
		VRAMSoftLimitGB: 80,
		VRAMHardLimitGB: 100,
		Roles:           roles("incoming"),
	}
	cons := &profile.Profile{
		Name: "conservative",
		Models: []profile.ModelCapability{
			{Name: "low-model", Backend: "ollama", VRAMSizeGB: 30, Priority: "CRITICAL"},
			{Name: "incoming", Backend: "ollama", VRAMSizeGB: 20, Priority: "NORMAL"},
		},
		VRAMSoftLimitGB: 40,
		VRAMHardLimitGB: 50,
		Roles:           roles("incoming"),
	}
	r, err := profile.NewRegistryFromProfiles([]*profile.Profile{perf, cons}, "performance", nil)
	require.NoError(t, err)
	return r
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeBackend, *profile.Registry) {
	t.Helper()
	reg := testProfiles(t)
	fb := &fakeBackend{kind: datatypes.BackendOllama}
	mgr := backends.NewManager(nil)
	mgr.Register(fb)
	fm := profile.NewFallbackManager(reg, "conservative", nil, nil)
	sampler := NewMemorySampler(t.TempDir(), nil) // empty fixture: zero pressure
	o := New(Config{}, reg, fm, mgr, sampler, nil)
	return o, fb, reg
}

func TestEnsureLoaded_FitsWithoutEviction(t *testing.T) {
	o, fb, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.EnsureLoaded(ctx, "incoming", 0))
	assert.Equal(t, []string{"incoming"}, fb.loads)

	st := o.Status()
	assert.Len(t, st.LoadedModels, 1)
	assert.Equal(t, 20.0, st.ModelUsageGB)
}

func TestEnsureLoaded_EvictionProtectsCritical(t *testing.T) {
	o, fb, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.EnsureLoaded(ctx, "big-critical", 0))
	require.NoError(t, o.EnsureLoaded(ctx, "low-model", 0))

	// 60 + 30 loaded; incoming needs 20, shortfall 10 → LOW evicted.
	require.NoError(t, o.EnsureLoaded(ctx, "incoming", 0))
	assert.Equal(t, []string{"low-model"}, fb.unloads)

	st := o.Status()
	assert.Equal(t, 80.0, st.ModelUsageGB)
}

func TestEnsureLoaded_OverBudget(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.EnsureLoaded(ctx, "big-critical", 0))
	err := o.EnsureLoaded(ctx, "huge", 0)
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindOverBudget))

	// Invariant: nothing was partially evicted.
	st := o.Status()
	assert.Equal(t, 60.0, st.ModelUsageGB)
}

func TestEnsureLoaded_ConcurrentAdmissionsShareBudget(t *testing.T) {
	o, fb, _ := newTestOrchestrator(t)
	fb.loadStarted = make(chan string, 1)
	fb.loadGate = make(chan struct{})
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() { firstDone <- o.EnsureLoaded(ctx, "big-critical", 0) }()
	<-fb.loadStarted // 60 GB reserved, backend load still in flight

	// 60 reserved + 90 requested > 100 hard limit; the second admission
	// must see the reservation and reject, not double-admit.
	err := o.EnsureLoaded(ctx, "huge", 0)
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindOverBudget))

	close(fb.loadGate)
	require.NoError(t, <-firstDone)
	assert.Equal(t, 60.0, o.Status().ModelUsageGB)
}

func TestEnsureLoaded_ReservationRolledBackOnLoadFailure(t *testing.T) {
	o, fb, _ := newTestOrchestrator(t)
	fb.loadErr = context.DeadlineExceeded
	ctx := context.Background()

	require.Error(t, o.EnsureLoaded(ctx, "big-critical", 0))
	assert.Equal(t, 0.0, o.Status().ModelUsageGB, "failed load must release its reservation")

	// Capacity is usable again once the backend behaves.
	fb.loadErr = nil
	require.NoError(t, o.EnsureLoaded(ctx, "huge", 0))
}

func TestEnsureLoaded_TouchOnRepeatLoad(t *testing.T) {
	o, fb, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.EnsureLoaded(ctx, "incoming", 0))
	require.NoError(t, o.EnsureLoaded(ctx, "incoming", 0))
	assert.Len(t, fb.loads, 1, "second call should only touch LRU")
}

func TestExternalModels_ExcludedFromBudget(t *testing.T) {
	o, fb, _ := newTestOrchestrator(t)
	fb.external = []backends.ExternalModel{{ModelID: "served-elsewhere", SizeGB: 70}}
	ctx := context.Background()

	o.DiscoverExternal(ctx)
	st := o.Status()
	require.Len(t, st.LoadedModels, 1)
	assert.True(t, st.LoadedModels[0].IsExternal)
	assert.Equal(t, 0.0, st.ModelUsageGB, "external size never counts against budget")

	// And a 90GB admission still fits under the 100GB hard limit.
	require.NoError(t, o.EnsureLoaded(ctx, "huge", 0))
}

func TestEmergencyEvict(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.EnsureLoaded(ctx, "big-critical", 0))
	require.NoError(t, o.EnsureLoaded(ctx, "low-model", 0))

	victim := o.EmergencyEvict(ctx, datatypes.PriorityNormal)
	assert.Equal(t, "low-model", victim)

	// Only CRITICAL remains; nothing else qualifies.
	assert.Equal(t, "", o.EmergencyEvict(ctx, datatypes.PriorityNormal))
}

func TestRecordCrash_CriticalTripsFallback(t *testing.T) {
	o, _, reg := newTestOrchestrator(t)

	o.RecordCrash("big-critical", "sglang watchdog timeout")
	assert.Equal(t, "performance", reg.Active().Name, "one crash must not trip")

	o.RecordCrash("big-critical", "sglang watchdog timeout")
	assert.Equal(t, "conservative", reg.Active().Name)
	assert.True(t, o.Status().FallbackActive)
}

func TestRecordCrash_NonCriticalNeverTrips(t *testing.T) {
	o, _, reg := newTestOrchestrator(t)
	for i := 0; i < 5; i++ {
		o.RecordCrash("low-model", "oom")
	}
	assert.Equal(t, "performance", reg.Active().Name)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry("", "performance", nil)
	require.NoError(t, err)
	return r
}

func TestRegistry_EmbeddedProfilesLoad(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, "performance", r.Active().Name)
	assert.Contains(t, r.Names(), "conservative")
}

func TestRegistry_UnknownActiveProfile(t *testing.T) {
	_, err := NewRegistry("", "does-not-exist", nil)
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindInvalidProfile))
}

func TestProfile_ValidateRejectsDanglingRole(t *testing.T) {
	p := &Profile{
		Name: "broken",
		Models: []ModelCapability{
			{Name: "a", Backend: "ollama"},
		},
		VRAMSoftLimitGB: 10,
		VRAMHardLimitGB: 20,
		Roles: RoleMap{
			Router: "a", SimpleCoder: "a", ComplexCoder: "a", Reasoning: "a",
			Research: "a", Math: "a", Vision: "a", Embedding: "a",
			Summarization: "a", ArtifactDetection: "a",
			ArtifactExtraction: "missing-model",
		},
	}
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindInvalidProfile))
}

func TestProfile_ValidateRejectsSoftAboveHard(t *testing.T) {
	p := &Profile{
		Name:            "broken",
		Models:          []ModelCapability{{Name: "a", Backend: "ollama"}},
		VRAMSoftLimitGB: 50,
		VRAMHardLimitGB: 40,
		Roles: RoleMap{
			Router: "a", SimpleCoder: "a", ComplexCoder: "a", Reasoning: "a",
			Research: "a", Math: "a", Vision: "a", Embedding: "a",
			Summarization: "a", ArtifactDetection: "a", ArtifactExtraction: "a",
		},
	}
	require.Error(t, p.Validate())
}

func TestRegistry_SwitchIsAtomicForHeldPointers(t *testing.T) {
	r := newTestRegistry(t)
	held := r.Active()
	require.NoError(t, r.Switch("conservative"))
	assert.Equal(t, "performance", held.Name, "in-flight reads keep the old profile")
	assert.Equal(t, "conservative", r.Active().Name)
}

func TestRegistry_CapabilityFallbackChain(t *testing.T) {
	r := newTestRegistry(t)

	// Roster hit.
	cap := r.Capability("gpt-oss:120b")
	assert.Equal(t, datatypes.PriorityCritical, cap.PriorityValue())

	// Default-registry hit (not in the performance roster).
	cap = r.Capability("mistral:7b")
	assert.Equal(t, 5.0, cap.VRAMSizeGB)

	// Synthesized conservative default.
	cap = r.Capability("totally-unknown:1b")
	assert.Equal(t, datatypes.PriorityNormal, cap.PriorityValue())
	assert.Equal(t, 8.0, cap.VRAMSizeGB)
}

func TestFallbackManager_TripAndRecover(t *testing.T) {
	r := newTestRegistry(t)
	healthy := false
	probe := func(ctx context.Context) error {
		if healthy {
			return nil
		}
		return assert.AnError
	}
	fm := NewFallbackManager(r, "conservative", probe, nil)
	ctx := context.Background()

	require.True(t, fm.TripFallback("gpt-oss:120b crashed twice"))
	assert.Equal(t, "conservative", r.Active().Name)
	assert.True(t, fm.Status().Active)
	assert.Equal(t, "performance", fm.Status().OriginalProfile)

	// Second trip is a no-op.
	assert.False(t, fm.TripFallback("again"))

	// Probe failing: fallback stays.
	assert.False(t, fm.Recover(ctx))
	assert.True(t, fm.Status().Active)

	healthy = true
	assert.True(t, fm.Recover(ctx))
	assert.False(t, fm.Status().Active)
	assert.Equal(t, "performance", r.Active().Name)
}

func TestFallbackManager_SwitchRoundTripClearsState(t *testing.T) {
	r := newTestRegistry(t)
	fm := NewFallbackManager(r, "conservative", nil, nil)

	require.NoError(t, r.Switch("conservative"))
	fm.ClearForSwitch()
	require.NoError(t, r.Switch("performance"))

	assert.Equal(t, "performance", r.Active().Name)
	assert.False(t, fm.Status().Active)
}

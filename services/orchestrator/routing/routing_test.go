// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
)

type stubChat struct {
	reply string
	err   error
	got   datatypes.ChatRequest
}

func (s *stubChat) Chat(ctx context.Context, req datatypes.ChatRequest) (*datatypes.ChatResponse, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return &datatypes.ChatResponse{Content: s.reply}, nil
}

func testRegistry(t *testing.T) *profile.Registry {
	t.Helper()
	p := &profile.Profile{
		Name: "test",
		Models: []profile.ModelCapability{
			{Name: "router-model", Backend: "ollama", VRAMSizeGB: 2},
			{Name: "math-model", Backend: "ollama", VRAMSizeGB: 10},
			{Name: "code-model", Backend: "ollama", VRAMSizeGB: 10},
			{Name: "reason-model", Backend: "ollama", VRAMSizeGB: 20},
			{Name: "detect-model", Backend: "ollama", VRAMSizeGB: 2},
		},
		VRAMSoftLimitGB: 40,
		VRAMHardLimitGB: 50,
		Roles: profile.RoleMap{
			Router: "router-model", SimpleCoder: "code-model", ComplexCoder: "code-model",
			Reasoning: "reason-model", Research: "reason-model", Math: "math-model",
			Vision: "reason-model", Embedding: "router-model", Summarization: "router-model",
			ArtifactDetection: "detect-model", ArtifactExtraction: "detect-model",
		},
		FetchLimits: map[string]int{"research": 8},
	}
	r, err := profile.NewRegistryFromProfiles([]*profile.Profile{p}, "test", nil)
	require.NoError(t, err)
	return r
}

func TestClassify_ExactMatch(t *testing.T) {
	reg := testRegistry(t)
	stub := &stubChat{reply: "MATH"}
	c := NewClassifier(reg, stub, nil)

	route := c.Classify(context.Background(), "integrate x^2 + 3x")
	assert.Equal(t, RouteMath, route)
	assert.Equal(t, "router-model", stub.got.Model)
	require.NotNil(t, stub.got.Temperature)
	assert.InDelta(t, 0.1, float64(*stub.got.Temperature), 0.001)
	assert.Equal(t, classifierKeepAlive, stub.got.KeepAlive)
}

func TestClassify_NormalizesAndSubstringMatches(t *testing.T) {
	cases := map[string]Route{
		"  math \n":                        RouteMath,
		"The category is RESEARCH.":        RouteResearch,
		"simple_code":                      RouteSimpleCode,
		"I would say COMPLEX_CODE fits":    RouteComplexCode,
		"no idea":                          RouteReasoning,
		"":                                 RouteReasoning,
		"self_handle (trivial greeting)":   RouteSelfHandle,
	}
	reg := testRegistry(t)
	for reply, want := range cases {
		stub := &stubChat{reply: reply}
		c := NewClassifier(reg, stub, nil)
		assert.Equal(t, want, c.Classify(context.Background(), "msg"), "reply %q", reply)
	}
}

func TestClassify_TransportErrorFallsBack(t *testing.T) {
	reg := testRegistry(t)
	c := NewClassifier(reg, &stubChat{err: errors.New("conn refused")}, nil)
	assert.Equal(t, RouteReasoning, c.Classify(context.Background(), "msg"))
}

func TestResolve_Priority(t *testing.T) {
	reg := testRegistry(t)
	r := NewResolver(reg, nil)

	temp := float32(0.9)
	userTemp := float32(0.4)
	user := &datatypes.User{Preferences: datatypes.UserPreferences{
		PreferredModel: "reason-model",
		Temperature:    &userTemp,
	}}

	// 1. Request override wins everything.
	res := r.Resolve(&datatypes.QueuedRequest{Model: "code-model", Temperature: &temp}, user, RouteMath)
	assert.Equal(t, "code-model", res.ModelID)
	assert.Equal(t, SourceRequest, res.Source)
	assert.Equal(t, temp, *res.Temperature)

	// 2. User preference beats route default.
	res = r.Resolve(&datatypes.QueuedRequest{}, user, RouteMath)
	assert.Equal(t, "reason-model", res.ModelID)
	assert.Equal(t, SourceUser, res.Source)
	assert.Equal(t, userTemp, *res.Temperature)

	// 3. Route default otherwise.
	res = r.Resolve(&datatypes.QueuedRequest{}, nil, RouteMath)
	assert.Equal(t, "math-model", res.ModelID)
	assert.Equal(t, SourceRouter, res.Source)
	assert.Nil(t, res.Temperature, "nil means model default")
	assert.Nil(t, res.ThinkingEnabled)
}

func TestResolve_ArtifactModelsNeverOverridden(t *testing.T) {
	reg := testRegistry(t)
	r := NewResolver(reg, nil)
	user := &datatypes.User{Preferences: datatypes.UserPreferences{PreferredModel: "code-model"}}

	res := r.Resolve(&datatypes.QueuedRequest{Model: "math-model"}, user, RouteResearch)
	assert.Equal(t, "detect-model", res.DetectionModel)
	assert.Equal(t, "detect-model", res.ExtractionModel)
	assert.Equal(t, 8, res.FetchLimit)
}

func TestRouteRoleModel_EveryRouteResolvesToRoster(t *testing.T) {
	reg := testRegistry(t)
	roles := reg.Active().Roles
	for _, route := range AllRoutes {
		model := route.RoleModel(roles)
		_, ok := reg.Active().Capability(model)
		assert.True(t, ok, "route %s → %s must be in roster", route, model)
	}
}

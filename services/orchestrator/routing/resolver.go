// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"log/slog"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
)

// Source records where the resolved model came from.
type Source string

const (
	SourceRequest Source = "request"
	SourceUser    Source = "user"
	SourceRouter  Source = "router"
)

// Resolution is the complete generation plan for a turn.
type Resolution struct {
	Route   Route
	ModelID string
	Source  Source

	// Nil means "model default".
	Temperature     *float32
	ThinkingEnabled *bool

	// Always drawn from the profile; user overrides never apply.
	DetectionModel  string
	ExtractionModel string

	FetchLimit int
}

// Resolver is the single place where request, user, and route-derived
// settings are combined. Nothing else in the orchestrator picks a model.
type Resolver struct {
	registry *profile.Registry
	logger   *slog.Logger
}

func NewResolver(registry *profile.Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry: registry,
		logger:   logger.With(slog.String("component", "preference_resolver")),
	}
}

// Resolve applies the strict priority request > user > route. user may
// be nil (unauthenticated surfaces). route must already be classified;
// callers that skip classification because of a request override still
// pass the route they would have used for fetch limits and prompts.
func (r *Resolver) Resolve(req *datatypes.QueuedRequest, user *datatypes.User, route Route) Resolution {
	active := r.registry.Active()
	res := Resolution{
		Route:           route,
		DetectionModel:  active.Roles.ArtifactDetection,
		ExtractionModel: active.Roles.ArtifactExtraction,
		FetchLimit:      active.FetchLimit(string(route)),
	}

	switch {
	case req.Model != "":
		res.ModelID = req.Model
		res.Source = SourceRequest
	case user != nil && user.Preferences.PreferredModel != "":
		res.ModelID = user.Preferences.PreferredModel
		res.Source = SourceUser
	default:
		res.ModelID = route.RoleModel(active.Roles)
		res.Source = SourceRouter
	}

	res.Temperature = firstFloat(req.Temperature, userTemp(user))
	res.ThinkingEnabled = firstBool(req.ThinkingEnabled, userThinking(user))

	r.logger.Debug("Preferences resolved",
		"route", route, "model", res.ModelID, "source", res.Source)
	return res
}

func userTemp(u *datatypes.User) *float32 {
	if u == nil {
		return nil
	}
	return u.Preferences.Temperature
}

func userThinking(u *datatypes.User) *bool {
	if u == nil {
		return nil
	}
	return u.Preferences.ThinkingEnabled
}

func firstFloat(vals ...*float32) *float32 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstBool(vals ...*bool) *bool {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

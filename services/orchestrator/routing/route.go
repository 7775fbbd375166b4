// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing classifies user turns into routes and resolves the
// model and generation settings for a turn at a single chokepoint.
package routing

import "github.com/AleutianAI/kodiak/services/orchestrator/profile"

// Route is the coarse label for a user turn. It selects the model role,
// prompt layers, and fetch limits used downstream.
type Route string

const (
	RouteMath        Route = "MATH"
	RouteSimpleCode  Route = "SIMPLE_CODE"
	RouteComplexCode Route = "COMPLEX_CODE"
	RouteReasoning   Route = "REASONING"
	RouteResearch    Route = "RESEARCH"
	RouteSelfHandle  Route = "SELF_HANDLE"
)

// AllRoutes is the closed route set, in the order the classifier prompt
// presents them.
var AllRoutes = []Route{
	RouteMath, RouteSimpleCode, RouteComplexCode,
	RouteReasoning, RouteResearch, RouteSelfHandle,
}

// Valid reports membership in the route set.
func (r Route) Valid() bool {
	for _, known := range AllRoutes {
		if r == known {
			return true
		}
	}
	return false
}

// RoleModel maps a route to its model in the given role map.
// SELF_HANDLE turns are answered by the reasoning model directly.
func (r Route) RoleModel(roles profile.RoleMap) string {
	switch r {
	case RouteMath:
		return roles.Math
	case RouteSimpleCode:
		return roles.SimpleCoder
	case RouteComplexCode:
		return roles.ComplexCoder
	case RouteResearch:
		return roles.Research
	case RouteSelfHandle, RouteReasoning:
		return roles.Reasoning
	default:
		return roles.Reasoning
	}
}

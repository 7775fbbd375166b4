// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the orchestrator's HTTP middleware: the
// admin token gate and the maintenance mode guard.
package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// MaintenanceMode is the orchestrator's degradation level.
type MaintenanceMode string

const (
	// MaintenanceOff is normal operation.
	MaintenanceOff MaintenanceMode = "off"

	// MaintenanceSoft keeps serving but signals clients to back off;
	// submissions still go through.
	MaintenanceSoft MaintenanceMode = "soft"

	// MaintenanceHard rejects new submissions with 503. In-flight work
	// and status lookups continue.
	MaintenanceHard MaintenanceMode = "hard"
)

// ParseMaintenanceMode maps a label to a mode; unknown labels are "off".
func ParseMaintenanceMode(s string) MaintenanceMode {
	switch MaintenanceMode(s) {
	case MaintenanceSoft:
		return MaintenanceSoft
	case MaintenanceHard:
		return MaintenanceHard
	default:
		return MaintenanceOff
	}
}

// MaintenanceGuard owns the maintenance state. Handlers read it through
// the middleware; admins flip it through the admin surface.
type MaintenanceGuard struct {
	mu      sync.RWMutex
	mode    MaintenanceMode
	message string
}

func NewMaintenanceGuard() *MaintenanceGuard {
	return &MaintenanceGuard{mode: MaintenanceOff}
}

// Set switches the mode. An empty message keeps the default.
func (g *MaintenanceGuard) Set(mode MaintenanceMode, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
	g.message = message
}

func (g *MaintenanceGuard) Mode() MaintenanceMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

func (g *MaintenanceGuard) Message() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.message != "" {
		return g.message
	}
	return "The orchestrator is down for maintenance. Please try again later."
}

// Guard blocks submission paths during hard maintenance. Soft
// maintenance annotates the response and lets the request through.
func Guard(g *MaintenanceGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch g.Mode() {
		case MaintenanceHard:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "maintenance_active",
				"message": g.Message(),
			})
		case MaintenanceSoft:
			c.Header("X-Maintenance", "soft")
			c.Next()
		default:
			c.Next()
		}
	}
}

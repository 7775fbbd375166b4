// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/health"
	"github.com/AleutianAI/kodiak/services/orchestrator/middleware"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
	"github.com/AleutianAI/kodiak/services/orchestrator/queue"
	"github.com/AleutianAI/kodiak/services/orchestrator/storage"
	"github.com/AleutianAI/kodiak/services/orchestrator/vram"
)

// QueueStatsHandler serves GET /admin/queue/stats.
func QueueStatsHandler(q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, q.QueueStats())
	}
}

// QueuePurge drops every queued (not in-flight) request.
func QueuePurge(q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		n := q.Purge()
		slog.Warn("Queue purged by admin", "dropped", n)
		c.JSON(http.StatusOK, gin.H{"purged": n})
	}
}

// MaintenanceSet serves POST /admin/maintenance.
func MaintenanceSet(guard *middleware.MaintenanceGuard) gin.HandlerFunc {
	type body struct {
		Mode    string `json:"mode" binding:"required"`
		Message string `json:"message"`
	}
	return func(c *gin.Context) {
		var b body
		if err := c.ShouldBindJSON(&b); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		mode := middleware.ParseMaintenanceMode(b.Mode)
		guard.Set(mode, b.Message)
		slog.Warn("Maintenance mode changed", "mode", mode)
		c.JSON(http.StatusOK, gin.H{"mode": mode})
	}
}

// MaintenanceGet serves GET /admin/maintenance.
func MaintenanceGet(guard *middleware.MaintenanceGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"mode":    guard.Mode(),
			"message": guard.Message(),
		})
	}
}

// GrantTokens serves POST /admin/users/:id/grant.
func GrantTokens(users *storage.UserStore) gin.HandlerFunc {
	type body struct {
		Amount int `json:"amount" binding:"required"`
	}
	return func(c *gin.Context) {
		var b body
		if err := c.ShouldBindJSON(&b); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		u, err := users.GrantBonusTokens(c.Request.Context(), c.Param("id"), b.Amount)
		if err != nil {
			writeUserError(c, err)
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

// SetUserBan serves POST /admin/users/:id/ban and .../unban.
func SetUserBan(users *storage.UserStore, banned bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := users.SetBanned(c.Request.Context(), c.Param("id"), banned)
		if err != nil {
			writeUserError(c, err)
			return
		}
		slog.Warn("User ban state changed", "user", u.UserID, "banned", banned)
		c.JSON(http.StatusOK, u)
	}
}

// ListUsersHandler serves GET /admin/users.
func ListUsersHandler(users *storage.UserStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		all, err := users.ListUsers(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": all})
	}
}

func writeUserError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// VRAMStatusHandler serves GET /admin/vram.
func VRAMStatusHandler(orch *vram.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.Status())
	}
}

// VRAMLoad serves POST /admin/vram/load: manual admission of a model
// from the active profile.
func VRAMLoad(orch *vram.Orchestrator) gin.HandlerFunc {
	type body struct {
		ModelID  string `json:"model_id" binding:"required"`
		Priority string `json:"priority"`
	}
	return func(c *gin.Context) {
		var b body
		if err := c.ShouldBindJSON(&b); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		var override datatypes.Priority
		if b.Priority != "" {
			override = datatypes.ParsePriority(b.Priority)
		}
		if err := orch.EnsureLoaded(c.Request.Context(), b.ModelID, override); err != nil {
			status := http.StatusConflict
			if datatypes.IsKind(err, datatypes.KindUnknownModel) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"model_id": b.ModelID, "state": "loaded"})
	}
}

// VRAMUnload serves POST /admin/vram/unload.
func VRAMUnload(orch *vram.Orchestrator) gin.HandlerFunc {
	type body struct {
		ModelID string `json:"model_id" binding:"required"`
	}
	return func(c *gin.Context) {
		var b body
		if err := c.ShouldBindJSON(&b); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := orch.Unload(c.Request.Context(), b.ModelID); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"model_id": b.ModelID, "state": "unloaded"})
	}
}

// VRAMEvict serves POST /admin/vram/evict: emergency eviction of the
// best victim at or below the given priority.
func VRAMEvict(orch *vram.Orchestrator) gin.HandlerFunc {
	type body struct {
		BelowPriority string `json:"below_priority"`
	}
	return func(c *gin.Context) {
		var b body
		_ = c.ShouldBindJSON(&b) // empty body means "anything evictable"
		prio := datatypes.PriorityHigh
		if b.BelowPriority != "" {
			prio = datatypes.ParsePriority(b.BelowPriority)
		}
		victim := orch.EmergencyEvict(c.Request.Context(), prio)
		if victim == "" {
			c.JSON(http.StatusConflict, gin.H{"error": "no evictable model"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"evicted": victim})
	}
}

// ProfileSwitch serves POST /admin/profile/switch. An operator switch
// supersedes any crash-tripped fallback; the remembered original is
// cleared so the recovery poller cannot revert the choice.
func ProfileSwitch(registry *profile.Registry, fallback *profile.FallbackManager) gin.HandlerFunc {
	type body struct {
		Name string `json:"name" binding:"required"`
	}
	return func(c *gin.Context) {
		var b body
		if err := c.ShouldBindJSON(&b); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := registry.Switch(b.Name); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if fallback != nil {
			fallback.ClearForSwitch()
		}
		slog.Info("Profile switched by admin", "profile", b.Name)
		c.JSON(http.StatusOK, gin.H{"active": b.Name, "available": registry.Names()})
	}
}

// HealthSnapshot serves GET /admin/health: the full prober view, as
// opposed to the public liveness endpoint.
func HealthSnapshot(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"services": checker.Status()})
	}
}

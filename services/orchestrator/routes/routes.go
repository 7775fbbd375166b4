// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the orchestrator's HTTP surface onto gin.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/kodiak/services/orchestrator/handlers"
	"github.com/AleutianAI/kodiak/services/orchestrator/health"
	"github.com/AleutianAI/kodiak/services/orchestrator/hub"
	"github.com/AleutianAI/kodiak/services/orchestrator/middleware"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
	"github.com/AleutianAI/kodiak/services/orchestrator/queue"
	"github.com/AleutianAI/kodiak/services/orchestrator/storage"
	"github.com/AleutianAI/kodiak/services/orchestrator/vram"
)

// Deps carries everything the HTTP surface needs. All fields are
// required unless noted.
type Deps struct {
	Queue    *queue.Queue
	Cancels  *queue.CancelRegistry
	Hub      *hub.Hub
	VRAM     *vram.Orchestrator
	Sampler  *vram.MemorySampler
	Registry *profile.Registry
	Fallback *profile.FallbackManager
	Checker  *health.Checker
	Users    *storage.UserStore
	Guard    *middleware.MaintenanceGuard

	// AdminToken gates /admin. Empty disables the admin surface.
	AdminToken string
}

// Setup registers every route on the engine.
func Setup(router *gin.Engine, d Deps) {
	router.Use(otelgin.Middleware("kodiak-orchestrator"))

	router.GET("/health", handlers.HealthCheck(d.Checker))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/message", middleware.Guard(d.Guard), handlers.SubmitMessage(d.Queue, d.Hub))
		v1.GET("/status/:id", handlers.RequestStatusHandler(d.Queue))
		v1.DELETE("/cancel/:id", handlers.CancelRequest(d.Queue, d.Cancels))
		v1.GET("/ws/chat", middleware.Guard(d.Guard), handlers.ChatWebSocket(d.Hub, d.Queue, d.Cancels))
	}

	admin := router.Group("/admin", middleware.AdminToken(d.AdminToken))
	{
		admin.GET("/monitoring/stream", handlers.MonitoringStream(d.Queue, d.VRAM, d.Checker, d.Hub, d.Guard, d.Sampler))
		admin.GET("/health", handlers.HealthSnapshot(d.Checker))

		admin.GET("/queue/stats", handlers.QueueStatsHandler(d.Queue))
		admin.POST("/queue/purge", handlers.QueuePurge(d.Queue))

		admin.GET("/maintenance", handlers.MaintenanceGet(d.Guard))
		admin.POST("/maintenance", handlers.MaintenanceSet(d.Guard))

		admin.GET("/users", handlers.ListUsersHandler(d.Users))
		admin.POST("/users/:id/grant", handlers.GrantTokens(d.Users))
		admin.POST("/users/:id/ban", handlers.SetUserBan(d.Users, true))
		admin.POST("/users/:id/unban", handlers.SetUserBan(d.Users, false))

		admin.GET("/vram", handlers.VRAMStatusHandler(d.VRAM))
		admin.POST("/vram/load", handlers.VRAMLoad(d.VRAM))
		admin.POST("/vram/unload", handlers.VRAMUnload(d.VRAM))
		admin.POST("/vram/evict", handlers.VRAMEvict(d.VRAM))

		admin.POST("/profile/switch", handlers.ProfileSwitch(d.Registry, d.Fallback))
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/health"
	"github.com/AleutianAI/kodiak/services/orchestrator/hub"
	"github.com/AleutianAI/kodiak/services/orchestrator/middleware"
	"github.com/AleutianAI/kodiak/services/orchestrator/queue"
	"github.com/AleutianAI/kodiak/services/orchestrator/vram"
)

const monitorInterval = 5 * time.Second

// GPUStat summarizes model residency against the active profile's
// budget. On unified-memory systems this is the GPU view; host memory
// details live in the vram block.
type GPUStat struct {
	ModelUsageGB float64 `json:"model_usage_gb"`
	HardLimitGB  float64 `json:"hard_limit_gb"`
	UsagePct     float64 `json:"usage_pct"`
}

// MonitoringSnapshot is one frame of the admin monitoring stream.
type MonitoringSnapshot struct {
	At              time.Time              `json:"at"`
	Queue           queue.Stats            `json:"queue"`
	VRAM            datatypes.VRAMStatus   `json:"vram"`
	GPU             GPUStat                `json:"gpu"`
	CPUUtilization  float64                `json:"cpu_utilization"`
	MaintenanceMode string                 `json:"maintenance_mode"`
	Services        []health.ServiceHealth `json:"services"`
	Connections     int                    `json:"connections"`
}

// MonitoringStream serves GET /admin/monitoring/stream as SSE, emitting
// one snapshot immediately and then every five seconds until the client
// disconnects.
func MonitoringStream(q *queue.Queue, orch *vram.Orchestrator, checker *health.Checker, h *hub.Hub,
	guard *middleware.MaintenanceGuard, sampler *vram.MemorySampler) gin.HandlerFunc {
	snapshot := func() MonitoringSnapshot {
		st := orch.Status()
		gpu := GPUStat{ModelUsageGB: st.ModelUsageGB, HardLimitGB: st.HardLimitGB}
		if gpu.HardLimitGB > 0 {
			gpu.UsagePct = 100 * gpu.ModelUsageGB / gpu.HardLimitGB
		}
		snap := MonitoringSnapshot{
			At:          time.Now().UTC(),
			Queue:       q.QueueStats(),
			VRAM:        st,
			GPU:         gpu,
			Services:    checker.Status(),
			Connections: h.CountConnections(),
		}
		if guard != nil {
			snap.MaintenanceMode = string(guard.Mode())
		}
		if sampler != nil {
			snap.CPUUtilization = sampler.CPUUtilization()
		}
		return snap
	}

	return func(c *gin.Context) {
		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		write := func() bool {
			raw, err := json.Marshal(snapshot())
			if err != nil {
				return false
			}
			if _, err := fmt.Fprintf(c.Writer, "event: snapshot\ndata: %s\n\n", raw); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		if !write() {
			return
		}
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
				if !write() {
					return
				}
			}
		}
	}
}

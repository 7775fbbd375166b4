// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// BackendKind identifies the inference backend responsible for a model.
type BackendKind string

const (
	BackendOllama   BackendKind = "ollama"
	BackendSGLang   BackendKind = "sglang"
	BackendVLLM     BackendKind = "vllm"
	BackendTensorRT BackendKind = "tensorrt"
)

// Priority orders models for eviction. CRITICAL models are never evicted.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "NORMAL"
	}
}

// ParsePriority maps a profile label to a Priority. Unknown labels are
// NORMAL, matching the synthesized-capability fallback.
func ParsePriority(s string) Priority {
	switch s {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// LoadedModel is the VRAM orchestrator's record of one resident model.
// External models are pre-loaded by processes outside our control; they are
// reported in status but excluded from budget math and eviction.
type LoadedModel struct {
	ModelID      string      `json:"model_id"`
	Backend      BackendKind `json:"backend"`
	SizeGB       float64     `json:"size_gb"`
	Priority     Priority    `json:"priority"`
	LoadedAt     time.Time   `json:"loaded_at"`
	LastAccessed time.Time   `json:"last_accessed"`
	IsExternal   bool        `json:"is_external"`
}

// MemoryPressure is one sample of system memory state. On unified-memory
// DGX-class hosts nvidia-smi is useless, so we read procfs instead.
type MemoryPressure struct {
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	AvailableGB float64 `json:"available_gb"`
	PSISomeAvg10 float64 `json:"psi_some_avg10"`
	PSIFullAvg10 float64 `json:"psi_full_avg10"`
}

// VRAMStatus is the point-in-time snapshot returned by the orchestrator.
type VRAMStatus struct {
	LoadedModels   []LoadedModel  `json:"loaded_models"`
	TotalGB        float64        `json:"total_gb"`
	UsedGB         float64        `json:"used_gb"`
	AvailableGB    float64        `json:"available_gb"`
	UsagePct       float64        `json:"usage_pct"`
	ModelUsageGB   float64        `json:"model_usage_gb"`
	HardLimitGB    float64        `json:"hard_limit_gb"`
	SoftLimitGB    float64        `json:"soft_limit_gb"`
	Pressure       MemoryPressure `json:"pressure"`
	FallbackActive bool           `json:"fallback_active"`
	ActiveProfile  string         `json:"active_profile"`
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backends talks to the inference servers: Ollama over its native
// HTTP API, and SGLang / vLLM / TensorRT-LLM over their OpenAI-compatible
// surfaces. The composite Manager routes load/unload/chat calls to the
// sub-manager responsible for a model's backend kind.
package backends

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// ExternalModel is a model some outside process already holds resident.
type ExternalModel struct {
	ModelID string
	SizeGB  float64
}

// ModelBackend is implemented once per backend kind.
type ModelBackend interface {
	Kind() datatypes.BackendKind

	// Load makes the model resident. For Ollama this is an empty-prompt
	// generate with keep_alive; server-managed backends treat it as a no-op
	// presence check.
	Load(ctx context.Context, modelID, keepAlive string) error

	// Unload releases the model. Backends that cannot unload (external
	// server-managed models) return nil.
	Unload(ctx context.Context, modelID string) error

	// Cleanup reclaims residue after an unload (e.g., orphan shm segments).
	Cleanup(ctx context.Context, modelID string) error

	// ListExternal reports models the backend holds that this orchestrator
	// did not load. They are registered is_external and never evicted.
	ListExternal(ctx context.Context) ([]ExternalModel, error)

	// Healthy probes the backend endpoint.
	Healthy(ctx context.Context) error

	Chat(ctx context.Context, req datatypes.ChatRequest) (*datatypes.ChatResponse, error)
	ChatStream(ctx context.Context, req datatypes.ChatRequest) (<-chan datatypes.StreamChunk, error)
}

// Manager is the composite dispatcher keyed on backend kind.
//
// # Thread Safety
//
// Registration happens at startup; after that the map is read-only and
// safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	backends map[datatypes.BackendKind]ModelBackend
	logger   *slog.Logger
}

// NewManager creates an empty composite manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backends: make(map[datatypes.BackendKind]ModelBackend),
		logger:   logger.With(slog.String("component", "backend_manager")),
	}
}

// Register adds a sub-manager. Later registrations for the same kind win.
func (m *Manager) Register(b ModelBackend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[b.Kind()] = b
	m.logger.Info("Registered model backend", "kind", string(b.Kind()))
}

// Backend resolves the sub-manager for a kind.
func (m *Manager) Backend(kind datatypes.BackendKind) (ModelBackend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[kind]
	if !ok {
		return nil, datatypes.Errorf(datatypes.KindBackendUnavailable,
			"no backend registered for kind %q", kind)
	}
	return b, nil
}

// Kinds lists the registered backend kinds.
func (m *Manager) Kinds() []datatypes.BackendKind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]datatypes.BackendKind, 0, len(m.backends))
	for k := range m.backends {
		kinds = append(kinds, k)
	}
	return kinds
}

// Load dispatches a load to the owning backend.
func (m *Manager) Load(ctx context.Context, kind datatypes.BackendKind, modelID, keepAlive string) error {
	b, err := m.Backend(kind)
	if err != nil {
		return err
	}
	return b.Load(ctx, modelID, keepAlive)
}

// Unload dispatches an unload and then the backend's cleanup pass.
func (m *Manager) Unload(ctx context.Context, kind datatypes.BackendKind, modelID string) error {
	b, err := m.Backend(kind)
	if err != nil {
		return err
	}
	if err := b.Unload(ctx, modelID); err != nil {
		return err
	}
	if err := b.Cleanup(ctx, modelID); err != nil {
		// Cleanup failure leaves residue, not an unloaded-state error.
		m.logger.Warn("Backend cleanup failed after unload",
			"kind", string(kind), "model", modelID, "error", err)
	}
	return nil
}

// ListExternal aggregates external models across all backends.
func (m *Manager) ListExternal(ctx context.Context) map[datatypes.BackendKind][]ExternalModel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[datatypes.BackendKind][]ExternalModel)
	for kind, b := range m.backends {
		models, err := b.ListExternal(ctx)
		if err != nil {
			m.logger.Debug("External model listing failed", "kind", string(kind), "error", err)
			continue
		}
		if len(models) > 0 {
			out[kind] = models
		}
	}
	return out
}

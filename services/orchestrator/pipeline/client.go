// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"

	"github.com/AleutianAI/kodiak/services/orchestrator/backends"
	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
	"github.com/AleutianAI/kodiak/services/orchestrator/vram"
)

// Client is the pipeline's inference entry point: it makes the model
// resident through VRAM admission, then dispatches to the owning backend.
// It also serves the router's ChatClient dependency.
type Client struct {
	registry *profile.Registry
	vram     *vram.Orchestrator
	manager  *backends.Manager
}

func NewClient(registry *profile.Registry, v *vram.Orchestrator, manager *backends.Manager) *Client {
	return &Client{registry: registry, vram: v, manager: manager}
}

func (c *Client) backendFor(ctx context.Context, modelID string) (backends.ModelBackend, error) {
	if err := c.vram.EnsureLoaded(ctx, modelID, 0); err != nil {
		return nil, err
	}
	cap := c.registry.Capability(modelID)
	return c.manager.Backend(cap.BackendKind())
}

func (c *Client) Chat(ctx context.Context, req datatypes.ChatRequest) (*datatypes.ChatResponse, error) {
	b, err := c.backendFor(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	return b.Chat(ctx, req)
}

func (c *Client) ChatStream(ctx context.Context, req datatypes.ChatRequest) (<-chan datatypes.StreamChunk, error) {
	b, err := c.backendFor(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	return b.ChatStream(ctx, req)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools exposes the agent tool registry and the built-in tool
// set. Every tool returns a ToolResult; failures are encoded in the
// result and never cross the dispatch boundary as panics or errors.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// Invocation carries per-turn context into a tool call.
type Invocation struct {
	RequestID string
	UserID    string
	ThreadID  string

	// Args is the raw JSON argument object the model emitted.
	Args json.RawMessage

	// FileRefs are the turn's uploads, for attachment tools.
	FileRefs []datatypes.FileRef
}

// decodeArgs unmarshals the argument object, tolerating an empty body.
func (inv *Invocation) decodeArgs(v any) error {
	if len(inv.Args) == 0 {
		return nil
	}
	return json.Unmarshal(inv.Args, v)
}

// Tool is one named capability exposed to the agent.
type Tool interface {
	Name() string
	Schema() datatypes.ToolSchema
	Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult
}

// Registry holds the tool set for the agent loop.
//
// # Thread Safety
//
// Registration happens at startup; Dispatch and Schemas are safe for
// concurrent use afterwards.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With(slog.String("component", "tool_registry")),
	}
}

// Register installs a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schemas returns every tool's schema in name order, for the model's
// tools parameter.
func (r *Registry) Schemas() []datatypes.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	schemas := make([]datatypes.ToolSchema, 0, len(names))
	for _, n := range names {
		schemas = append(schemas, r.tools[n].Schema())
	}
	return schemas
}

// Dispatch runs the named tool. Unknown names and panics both come back
// as failure results; cancellation is checked before the tool starts so
// a cancelled turn never begins new side effects.
func (r *Registry) Dispatch(ctx context.Context, name string, inv *Invocation) (result datatypes.ToolResult) {
	if err := ctx.Err(); err != nil {
		return datatypes.ToolFailure("turn cancelled before tool start")
	}

	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return datatypes.ToolFailure(fmt.Sprintf("unknown tool %q", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Tool panic",
				"tool", name, "request_id", inv.RequestID,
				"panic", rec, "stack", string(debug.Stack()))
			result = datatypes.ToolFailure(fmt.Sprintf("tool %s failed internally", name))
		}
	}()
	return t.Invoke(ctx, inv)
}

// schema is a small helper for the built-ins' literal parameter objects.
func schema(name, description, params string) datatypes.ToolSchema {
	return datatypes.ToolSchema{
		Name:        name,
		Description: description,
		Parameters:  json.RawMessage(params),
	}
}

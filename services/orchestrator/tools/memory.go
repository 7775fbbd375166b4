// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// NoteStore persists per-user agent memories. Implemented by the badger
// note store in the storage package.
type NoteStore interface {
	SaveNote(ctx context.Context, userID, note string) error
	SearchNotes(ctx context.Context, userID, query string, limit int) ([]string, error)
}

// RememberTool saves a short note to the user's memory.
type RememberTool struct {
	Store NoteStore
}

func (RememberTool) Name() string { return "remember" }

func (RememberTool) Schema() datatypes.ToolSchema {
	return schema("remember", "Save a short note to the user's long-term memory.",
		`{"type":"object","properties":{"note":{"type":"string"}},"required":["note"]}`)
}

func (t RememberTool) Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Note string `json:"note"`
	}
	if err := inv.decodeArgs(&args); err != nil || strings.TrimSpace(args.Note) == "" {
		return datatypes.ToolFailure("invalid arguments: note required")
	}
	if t.Store == nil {
		return datatypes.ToolFailure("memory store is not configured")
	}
	if err := t.Store.SaveNote(ctx, inv.UserID, args.Note); err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	return datatypes.ToolSuccess("noted")
}

// RecallTool searches the user's saved notes.
type RecallTool struct {
	Store NoteStore
}

func (RecallTool) Name() string { return "recall" }

func (RecallTool) Schema() datatypes.ToolSchema {
	return schema("recall", "Search the user's saved notes.",
		`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
}

func (t RecallTool) Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Query string `json:"query"`
	}
	if err := inv.decodeArgs(&args); err != nil {
		return datatypes.ToolFailure("invalid arguments: " + err.Error())
	}
	if t.Store == nil {
		return datatypes.ToolFailure("memory store is not configured")
	}
	notes, err := t.Store.SearchNotes(ctx, inv.UserID, args.Query, 10)
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	if len(notes) == 0 {
		return datatypes.ToolSuccess("no matching notes")
	}
	var b strings.Builder
	for i, n := range notes {
		fmt.Fprintf(&b, "%d. %s\n", i+1, n)
	}
	return datatypes.ToolSuccess(b.String())
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Artifact is a file produced for the user during postprocess.
type Artifact struct {
	ArtifactID  string    `json:"artifact_id"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"storage_path"`
	SizeBytes   int64     `json:"size_bytes"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToolResult is what every tool invocation returns. Tools encode failure
// here instead of panicking or erroring across the dispatch boundary.
type ToolResult struct {
	Content string `json:"content"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ToolFailure is a convenience constructor for the failure shape.
func ToolFailure(msg string) ToolResult {
	return ToolResult{Success: false, Error: msg}
}

// ToolSuccess is a convenience constructor for the success shape.
func ToolSuccess(content string) ToolResult {
	return ToolResult{Content: content, Success: true}
}

// ToolCall is a tool invocation the model emitted mid-stream.
type ToolCall struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Args string `json:"arguments"` // raw JSON
}

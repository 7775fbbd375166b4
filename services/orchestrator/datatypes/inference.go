// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "encoding/json"

// ToolSchema describes a tool exposed to a model, in the JSON-schema form
// both Ollama and OpenAI-compatible servers accept.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is a backend-neutral inference request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []ToolSchema  `json:"tools,omitempty"`

	// Thinking nil means model default; true/false force the mode on
	// backends that support it.
	Thinking *bool `json:"thinking,omitempty"`

	// KeepAlive is honored by Ollama only ("-1", "5m", "0").
	KeepAlive string `json:"keep_alive,omitempty"`
}

// ChatResponse is a completed (non-streaming) inference result.
type ChatResponse struct {
	Content      string     `json:"content"`
	Thinking     string     `json:"thinking,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	Model        string     `json:"model"`
}

// StreamChunk is one pull from a streaming inference. Exactly one of the
// payload fields is meaningful per chunk; Done closes the stream and Err,
// when set, terminates it abnormally.
type StreamChunk struct {
	Text      string     `json:"text,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`

	// Usage is populated on the final chunk when the backend reports it.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	Err error `json:"-"`
}

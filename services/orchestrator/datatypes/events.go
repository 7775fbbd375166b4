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

// EventType tags a StreamEvent. The set is closed; clients switch on it.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventQueued       EventType = "queued"
	EventProcessing   EventType = "processing"
	EventEarlyStatus  EventType = "early_status"
	EventToken        EventType = "token"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventUserQuestion EventType = "user_question"
	EventResult       EventType = "result"
	EventFailed       EventType = "failed"
	EventCancelled    EventType = "cancelled"
	EventPong         EventType = "pong"
)

// StreamEvent is the single envelope fanned out to connected clients.
// Only the fields relevant to the Type are populated; the envelope stays
// flat so WebSocket clients can decode without a two-pass unmarshal.
type StreamEvent struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt int64     `json:"created_at,omitempty"` // unix millis

	// queued
	Position int `json:"position,omitempty"`

	// early_status / token
	Content string `json:"content,omitempty"`

	// tool_call / tool_result
	ToolName string `json:"tool_name,omitempty"`
	ToolArgs string `json:"tool_args,omitempty"`
	Success  *bool  `json:"success,omitempty"`

	// user_question
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
	Timeout  int      `json:"timeout_seconds,omitempty"`

	// result
	Result *RequestResult `json:"result,omitempty"`

	// failed
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// NewEvent stamps a StreamEvent with the current time.
func NewEvent(t EventType, requestID string) StreamEvent {
	return StreamEvent{Type: t, RequestID: requestID, CreatedAt: time.Now().UnixMilli()}
}

// TokenEvent is the hot-path constructor; token events dominate stream
// volume so it skips everything but the text.
func TokenEvent(requestID, text string) StreamEvent {
	return StreamEvent{Type: EventToken, RequestID: requestID, Content: text}
}

// StatusKind selects a status indicator animation.
type StatusKind string

const (
	StatusProcessingFiles StatusKind = "processing_files"
	StatusThinking        StatusKind = "thinking"
	StatusRetrying        StatusKind = "retrying"
)

// BaseText returns the indicator text before dot animation is applied.
func (k StatusKind) BaseText() string {
	switch k {
	case StatusProcessingFiles:
		return "Processing files"
	case StatusRetrying:
		return "Retrying with non-streaming mode"
	default:
		return "Thinking"
	}
}

// UserAnswer carries a client's reply to an ask_user question.
type UserAnswer struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

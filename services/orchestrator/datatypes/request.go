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

// RequestState is the lifecycle state of a queued request.
// A request is always in exactly one state; transitions are owned by the
// queue package.
type RequestState string

const (
	StateQueued     RequestState = "queued"
	StateProcessing RequestState = "processing"
	StateCompleted  RequestState = "completed"
	StateFailed     RequestState = "failed"
	StateCancelled  RequestState = "cancelled"
)

// Tier orders admission into the request queue. Higher tiers are admitted
// ahead of lower ones but never preempt in-flight work.
type Tier int

const (
	TierStandard Tier = iota
	TierPremium
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierAdmin:
		return "admin"
	case TierPremium:
		return "premium"
	default:
		return "standard"
	}
}

// ParseTier maps a stored tier label back to its ordering value.
// Unknown labels fall back to standard.
func ParseTier(s string) Tier {
	switch s {
	case "admin":
		return TierAdmin
	case "premium":
		return TierPremium
	default:
		return TierStandard
	}
}

// FileRef points at an uploaded file staged in the temp upload directory.
// ExtractedContent is populated at upload time when an extractor succeeded.
type FileRef struct {
	FileID           string `json:"file_id"`
	Filename         string `json:"filename"`
	MimeType         string `json:"mime_type"`
	SizeBytes        int64  `json:"size_bytes"`
	StoragePath      string `json:"storage_path"`
	ExtractedContent string `json:"extracted_content,omitempty"`
}

// QueuedRequest is one user turn moving through the queue and pipeline.
type QueuedRequest struct {
	RequestID  string    `json:"request_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`

	// BotID is the callback target for bot-originated requests (e.g., the
	// Discord bridge). Empty for direct WebSocket clients.
	BotID     string `json:"bot_id,omitempty"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	ThreadID  string `json:"thread_id"`
	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	Message  string    `json:"message"`
	FileRefs []FileRef `json:"file_refs,omitempty"`
	Tier     Tier      `json:"tier"`

	// Interface selects the output strategy (sanitization + formatting).
	Interface ClientInterface `json:"interface"`

	// Per-request generation overrides. Nil means "not specified".
	Model           string   `json:"model,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`
	ThinkingEnabled *bool    `json:"thinking_enabled,omitempty"`
}

// ClientInterface identifies the surface the request arrived from.
type ClientInterface string

const (
	InterfaceWeb     ClientInterface = "web"
	InterfaceDiscord ClientInterface = "discord"
	InterfaceCLI     ClientInterface = "cli"
)

// RequestResult is the terminal payload of a successful turn.
type RequestResult struct {
	Text       string     `json:"text"`
	TokensUsed int        `json:"tokens_used"`
	ModelUsed  string     `json:"model_used"`
	Route      string     `json:"route,omitempty"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	Duration   float64    `json:"duration_seconds"`
}

// RequestStatus is the record returned by status lookups.
type RequestStatus struct {
	RequestID  string         `json:"request_id"`
	State      RequestState   `json:"state"`
	Position   int            `json:"queue_position,omitempty"`
	Attempt    int            `json:"attempt"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	Cancelled  bool           `json:"cancelled,omitempty"`
	Result     *RequestResult `json:"result,omitempty"`
}

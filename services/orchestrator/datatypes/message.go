// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Role is the speaker of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a conversation thread.
type Message struct {
	MessageID  string    `json:"message_id"`
	ThreadID   string    `json:"thread_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	Timestamp  time.Time `json:"timestamp"`
	ModelUsed  string    `json:"model_used,omitempty"`

	// IsSummary marks the synthetic system message produced when older
	// history is compacted.
	IsSummary bool `json:"is_summary,omitempty"`
}

// ChatMessage is the wire shape sent to inference backends.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToChatMessage converts a stored message for backend submission.
func (m Message) ToChatMessage() ChatMessage {
	return ChatMessage{Role: string(m.Role), Content: m.Content}
}

// EstimateTokens is the rough chars/4 heuristic used when a backend did not
// report usage. Good enough for summarization thresholds; never used for
// billing.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

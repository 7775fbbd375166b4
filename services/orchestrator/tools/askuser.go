// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"strings"
	"time"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// DefaultAskTimeout bounds how long the agent suspends for a user answer.
const DefaultAskTimeout = 300 * time.Second

// Asker is the hub-side contract: deliver the question to the client and
// block until an answer arrives, the timeout fires, or ctx is cancelled.
type Asker interface {
	Ask(ctx context.Context, requestID, question string, options []string, timeout time.Duration) (string, error)
}

// AskUserTool suspends the agent loop for a mid-turn user answer.
type AskUserTool struct {
	Hub     Asker
	Timeout time.Duration
}

func (AskUserTool) Name() string { return "ask_user" }

func (AskUserTool) Schema() datatypes.ToolSchema {
	return schema("ask_user", "Ask the user a clarifying question and wait for their answer.",
		`{"type":"object","properties":{"question":{"type":"string"},"options":{"type":"array","items":{"type":"string"}}},"required":["question"]}`)
}

func (t AskUserTool) Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := inv.decodeArgs(&args); err != nil || strings.TrimSpace(args.Question) == "" {
		return datatypes.ToolFailure("invalid arguments: question required")
	}
	if t.Hub == nil {
		return datatypes.ToolFailure("no client connection for questions")
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultAskTimeout
	}

	answer, err := t.Hub.Ask(ctx, inv.RequestID, args.Question, args.Options, timeout)
	switch {
	case err == nil:
		return datatypes.ToolSuccess(answer)
	case ctx.Err() != nil:
		return datatypes.ToolFailure("turn cancelled while waiting for the user")
	case datatypes.IsKind(err, datatypes.KindAskUserTimeout):
		return datatypes.ToolFailure("the user did not answer in time")
	default:
		return datatypes.ToolFailure(err.Error())
	}
}

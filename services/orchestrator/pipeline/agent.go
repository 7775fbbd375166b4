// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/tools"
)

// maxAgentIterations bounds the tool loop; a model stuck re-calling
// tools terminates with whatever text it produced.
const maxAgentIterations = 8

// StreamClient is the streaming inference dependency.
type StreamClient interface {
	ChatClient
	ChatStream(ctx context.Context, req datatypes.ChatRequest) (<-chan datatypes.StreamChunk, error)
}

// EmitFunc delivers one event toward the client. Implementations must
// not block on slow consumers.
type EmitFunc func(ev datatypes.StreamEvent)

// AgentUsage accumulates token counts across loop iterations.
type AgentUsage struct {
	InputTokens  int
	OutputTokens int
}

// Agent drives the streaming tool loop for one turn.
type Agent struct {
	client StreamClient
	tools  *tools.Registry
	logger *slog.Logger
}

func NewAgent(client StreamClient, registry *tools.Registry, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		client: client,
		tools:  registry,
		logger: logger.With(slog.String("component", "agent")),
	}
}

// Run executes the loop: stream the model, forward tokens, dispatch tool
// calls, feed results back, repeat until a final message, cancellation,
// or a fatal error. A streaming transport failure is retried once in
// non-streaming mode with a retrying status event.
func (a *Agent) Run(ctx context.Context, base datatypes.ChatRequest, inv *tools.Invocation,
	emit EmitFunc) (string, AgentUsage, error) {

	var final strings.Builder
	var usage AgentUsage
	messages := base.Messages

	for iteration := 0; iteration < maxAgentIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return final.String(), usage, datatypes.ErrCancelled
		}

		req := base
		req.Messages = messages
		text, calls, streamUsage, err := a.streamOnce(ctx, req, inv.RequestID, emit)
		usage.InputTokens += streamUsage.InputTokens
		usage.OutputTokens += streamUsage.OutputTokens
		if err != nil {
			if ctx.Err() != nil {
				return final.String(), usage, datatypes.ErrCancelled
			}
			// One non-streaming retry for transport failures mid-stream.
			a.logger.Warn("Streaming failed, retrying non-streaming",
				"request_id", inv.RequestID, "error", err)
			ev := datatypes.NewEvent(datatypes.EventEarlyStatus, inv.RequestID)
			ev.Content = datatypes.StatusRetrying.BaseText()
			emit(ev)

			resp, rerr := a.client.Chat(ctx, req)
			if rerr != nil {
				return final.String(), usage, rerr
			}
			text = resp.Content
			calls = resp.ToolCalls
			usage.InputTokens += resp.InputTokens
			usage.OutputTokens += resp.OutputTokens
			if text != "" {
				emit(datatypes.TokenEvent(inv.RequestID, text))
			}
		}

		if text != "" {
			final.WriteString(text)
		}
		if len(calls) == 0 {
			return final.String(), usage, nil
		}

		messages = append(messages, datatypes.ChatMessage{
			Role: string(datatypes.RoleAssistant), Content: assistantToolText(text, calls),
		})
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return final.String(), usage, datatypes.ErrCancelled
			}
			messages = append(messages, a.dispatch(ctx, call, inv, emit))
		}
	}

	a.logger.Warn("Agent hit the iteration cap", "request_id", inv.RequestID)
	return final.String(), usage, nil
}

// streamOnce drains one streaming call, forwarding tokens as they land.
// The final chunk carries the backend's token counts when it reports
// them; those are preferred over estimation for budget accounting.
func (a *Agent) streamOnce(ctx context.Context, req datatypes.ChatRequest, requestID string,
	emit EmitFunc) (string, []datatypes.ToolCall, AgentUsage, error) {

	var usage AgentUsage
	stream, err := a.client.ChatStream(ctx, req)
	if err != nil {
		return "", nil, usage, err
	}

	var text strings.Builder
	var calls []datatypes.ToolCall
	for chunk := range stream {
		if chunk.Err != nil {
			return text.String(), nil, usage, chunk.Err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			emit(datatypes.TokenEvent(requestID, chunk.Text))
		}
		if len(chunk.ToolCalls) > 0 {
			calls = append(calls, chunk.ToolCalls...)
		}
		usage.InputTokens += chunk.InputTokens
		usage.OutputTokens += chunk.OutputTokens
	}
	return text.String(), calls, usage, nil
}

// dispatch runs one tool call, emits its events, and returns the tool
// result message fed back to the model.
func (a *Agent) dispatch(ctx context.Context, call datatypes.ToolCall, inv *tools.Invocation,
	emit EmitFunc) datatypes.ChatMessage {

	ev := datatypes.NewEvent(datatypes.EventToolCall, inv.RequestID)
	ev.ToolName = call.Name
	ev.ToolArgs = call.Args
	emit(ev)

	callInv := *inv
	callInv.Args = json.RawMessage(call.Args)
	result := a.tools.Dispatch(ctx, call.Name, &callInv)

	rev := datatypes.NewEvent(datatypes.EventToolResult, inv.RequestID)
	rev.ToolName = call.Name
	success := result.Success
	rev.Success = &success
	emit(rev)

	content := result.Content
	if !result.Success {
		content = "ERROR: " + result.Error
	}
	return datatypes.ChatMessage{
		Role:    "tool",
		Content: fmt.Sprintf("[%s] %s", call.Name, content),
	}
}

// assistantToolText is the assistant turn recorded when the model called
// tools, so the transcript stays coherent for the next iteration.
func assistantToolText(text string, calls []datatypes.ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	if text == "" {
		return "(calling tools: " + strings.Join(names, ", ") + ")"
	}
	return text + "\n(calling tools: " + strings.Join(names, ", ") + ")"
}

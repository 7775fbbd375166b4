// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

var oaiTracer = otel.Tracer("kodiak.backends.openai_compat")

// OpenAICompatManager serves SGLang, vLLM, and TensorRT-LLM endpoints,
// which all expose the OpenAI chat-completions surface. Models on these
// backends are server-managed: the serving process owns residency, so Load
// is a presence check and Unload is a no-op. Everything they hold is
// reported as external.
type OpenAICompatManager struct {
	kind   datatypes.BackendKind
	client *openai.Client
	logger *slog.Logger

	// sizeHints maps model id → VRAM GB for external reporting; the
	// OpenAI surface has no size introspection so the profile supplies it.
	sizeHints map[string]float64
}

// NewOpenAICompatManager builds a manager for one OpenAI-compatible
// endpoint (e.g., an SGLang server at http://host:30000/v1).
func NewOpenAICompatManager(kind datatypes.BackendKind, baseURL string, sizeHints map[string]float64, logger *slog.Logger) *OpenAICompatManager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	return &OpenAICompatManager{
		kind:      kind,
		client:    openai.NewClientWithConfig(cfg),
		logger:    logger.With(slog.String("component", string(kind)+"_backend")),
		sizeHints: sizeHints,
	}
}

func (m *OpenAICompatManager) Kind() datatypes.BackendKind { return m.kind }

// Load verifies the model is being served; these backends cannot load on
// demand, so an absent model is a backend error the caller surfaces.
func (m *OpenAICompatManager) Load(ctx context.Context, modelID, keepAlive string) error {
	models, err := m.client.ListModels(ctx)
	if err != nil {
		return datatypes.NewError(datatypes.KindBackendUnavailable, "model list failed", err)
	}
	for _, mm := range models.Models {
		if mm.ID == modelID {
			return nil
		}
	}
	return datatypes.Errorf(datatypes.KindBackendUnavailable,
		"%s server does not serve model %q", m.kind, modelID)
}

// Unload is a no-op: residency belongs to the serving process.
func (m *OpenAICompatManager) Unload(ctx context.Context, modelID string) error { return nil }

// Cleanup is a no-op for server-managed backends.
func (m *OpenAICompatManager) Cleanup(ctx context.Context, modelID string) error { return nil }

// ListExternal reports everything the server holds; all of it is external
// from this orchestrator's point of view.
func (m *OpenAICompatManager) ListExternal(ctx context.Context) ([]ExternalModel, error) {
	models, err := m.client.ListModels(ctx)
	if err != nil {
		return nil, datatypes.NewError(datatypes.KindBackendUnavailable, "model list failed", err)
	}
	out := make([]ExternalModel, 0, len(models.Models))
	for _, mm := range models.Models {
		out = append(out, ExternalModel{ModelID: mm.ID, SizeGB: m.sizeHints[mm.ID]})
	}
	return out, nil
}

// Healthy probes via the model list; SGLang and vLLM answer it cheaply.
func (m *OpenAICompatManager) Healthy(ctx context.Context) error {
	if _, err := m.client.ListModels(ctx); err != nil {
		return datatypes.NewError(datatypes.KindBackendUnavailable,
			string(m.kind)+" endpoint unreachable", err)
	}
	return nil
}

func (m *OpenAICompatManager) buildRequest(req datatypes.ChatRequest, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   stream,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		})
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []datatypes.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]datatypes.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, datatypes.ToolCall{ID: c.ID, Name: c.Function.Name, Args: c.Function.Arguments})
	}
	return out
}

// Chat performs one non-streaming completion.
func (m *OpenAICompatManager) Chat(ctx context.Context, req datatypes.ChatRequest) (*datatypes.ChatResponse, error) {
	ctx, span := oaiTracer.Start(ctx, "OpenAICompatManager.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("llm.backend", string(m.kind)),
	)

	resp, err := m.client.CreateChatCompletion(ctx, m.buildRequest(req, false))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, datatypes.NewError(datatypes.KindBackendUnavailable, "chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, datatypes.Errorf(datatypes.KindBackendUnavailable, "%s returned no choices", m.kind)
	}
	choice := resp.Choices[0]
	return &datatypes.ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    fromOpenAIToolCalls(choice.Message.ToolCalls),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        req.Model,
	}, nil
}

// ChatStream performs a streaming completion, accumulating tool-call
// fragments and emitting them whole on the final chunk.
func (m *OpenAICompatManager) ChatStream(ctx context.Context, req datatypes.ChatRequest) (<-chan datatypes.StreamChunk, error) {
	ctx, span := oaiTracer.Start(ctx, "OpenAICompatManager.ChatStream")
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("llm.backend", string(m.kind)),
	)

	stream, err := m.client.CreateChatCompletionStream(ctx, m.buildRequest(req, true))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, datatypes.NewError(datatypes.KindBackendUnavailable, "stream start failed", err)
	}

	out := make(chan datatypes.StreamChunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		defer span.End()

		// Tool call deltas arrive fragmented; index → accumulated call.
		pending := make(map[int]*datatypes.ToolCall)

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				chunk := datatypes.StreamChunk{Done: true}
				for i := 0; i < len(pending); i++ {
					if c := pending[i]; c != nil {
						chunk.ToolCalls = append(chunk.ToolCalls, *c)
					}
				}
				out <- chunk
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					out <- datatypes.StreamChunk{Err: datatypes.NewError(datatypes.KindCancelled, "stream cancelled", ctx.Err())}
					return
				}
				out <- datatypes.StreamChunk{Err: datatypes.NewError(datatypes.KindBackendUnavailable, "stream interrupted", err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				cur := pending[idx]
				if cur == nil {
					cur = &datatypes.ToolCall{}
					pending[idx] = cur
				}
				if tc.ID != "" {
					cur.ID = tc.ID
				}
				if tc.Function.Name != "" {
					cur.Name = tc.Function.Name
				}
				cur.Args += tc.Function.Arguments
			}
			if delta.Content != "" {
				out <- datatypes.StreamChunk{Text: delta.Content}
			}
		}
	}()
	return out, nil
}

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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

var ollamaTracer = otel.Tracer("kodiak.backends.ollama")

// OllamaManager drives a local Ollama server over its native HTTP API.
type OllamaManager struct {
	baseURL    string
	httpClient *http.Client
	shmDir     string
	logger     *slog.Logger
}

// NewOllamaManager builds a manager for the given host URL
// (e.g., "http://localhost:11434").
func NewOllamaManager(baseURL string, logger *slog.Logger) *OllamaManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaManager{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// Long timeout: loading a large model can take minutes.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		shmDir:     "/dev/shm",
		logger:     logger.With(slog.String("component", "ollama_backend")),
	}
}

func (o *OllamaManager) Kind() datatypes.BackendKind { return datatypes.BackendOllama }

// --- Ollama wire shapes ---

type ollamaGenerateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Stream    bool   `json:"stream"`
	KeepAlive string `json:"keep_alive,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaChatRequest struct {
	Model     string              `json:"model"`
	Messages  []ollamaChatMessage `json:"messages"`
	Stream    bool                `json:"stream"`
	Think     *bool               `json:"think,omitempty"`
	KeepAlive string              `json:"keep_alive,omitempty"`
	Tools     []json.RawMessage   `json:"tools,omitempty"`
	Options   map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

type ollamaPsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		SizeVRAM int64 `json:"size_vram"`
	} `json:"models"`
}

func (o *OllamaManager) buildChatRequest(req datatypes.ChatRequest, stream bool) ollamaChatRequest {
	msgs := make([]ollamaChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	out := ollamaChatRequest{
		Model:     req.Model,
		Messages:  msgs,
		Stream:    stream,
		Think:     req.Thinking,
		KeepAlive: req.KeepAlive,
	}
	opts := make(map[string]any)
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	for _, t := range req.Tools {
		// Ollama takes OpenAI-style function wrappers.
		wrapper := map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  json.RawMessage(t.Parameters),
			},
		}
		raw, err := json.Marshal(wrapper)
		if err != nil {
			continue
		}
		out.Tools = append(out.Tools, raw)
	}
	return out
}

func (o *OllamaManager) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, datatypes.NewError(datatypes.KindBackendUnavailable, "ollama request failed", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, datatypes.Errorf(datatypes.KindBackendUnavailable,
			"ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(slurp)))
	}
	return resp, nil
}

// Load warms the model via an empty-prompt generate with the configured
// keep_alive, the same trick the multi-model warmup path uses.
func (o *OllamaManager) Load(ctx context.Context, modelID, keepAlive string) error {
	ctx, span := ollamaTracer.Start(ctx, "OllamaManager.Load")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", modelID))

	if keepAlive == "" {
		keepAlive = "5m"
	}
	start := time.Now()
	resp, err := o.post(ctx, "/api/generate", ollamaGenerateRequest{
		Model: modelID, Prompt: "", Stream: false, KeepAlive: keepAlive,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	o.logger.Info("Ollama model loaded",
		"model", modelID, "keep_alive", keepAlive,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Unload evicts the model by issuing a generate with keep_alive 0.
func (o *OllamaManager) Unload(ctx context.Context, modelID string) error {
	resp, err := o.post(ctx, "/api/generate", ollamaGenerateRequest{
		Model: modelID, Prompt: "", Stream: false, KeepAlive: "0",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	o.logger.Info("Ollama model unloaded", "model", modelID)
	return nil
}

// Cleanup removes orphan shared-memory segments Ollama leaves behind after
// an unload on some driver stacks. Permission errors are non-fatal.
func (o *OllamaManager) Cleanup(ctx context.Context, modelID string) error {
	matches, err := filepath.Glob(filepath.Join(o.shmDir, "ollama*"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			o.logger.Debug("Could not remove shm segment", "path", path, "error", err)
			continue
		}
		o.logger.Info("Removed orphan shm segment", "path", path)
	}
	return nil
}

// ListExternal reports models resident on the server right now. The VRAM
// orchestrator diffs this against its own registrations at startup.
func (o *OllamaManager) ListExternal(ctx context.Context) ([]ExternalModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/ps", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, datatypes.NewError(datatypes.KindBackendUnavailable, "ollama ps failed", err)
	}
	defer resp.Body.Close()
	var ps ollamaPsResponse
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return nil, err
	}
	out := make([]ExternalModel, 0, len(ps.Models))
	for _, m := range ps.Models {
		out = append(out, ExternalModel{
			ModelID: m.Name,
			SizeGB:  float64(m.SizeVRAM) / (1024 * 1024 * 1024),
		})
	}
	return out, nil
}

// Healthy probes the version endpoint.
func (o *OllamaManager) Healthy(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/version", nil)
	if err != nil {
		return err
	}
	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return datatypes.NewError(datatypes.KindBackendUnavailable, "ollama unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return datatypes.Errorf(datatypes.KindBackendUnavailable, "ollama version returned %d", resp.StatusCode)
	}
	return nil
}

func convertToolCalls(calls []ollamaToolCall) []datatypes.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]datatypes.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, datatypes.ToolCall{
			Name: c.Function.Name,
			Args: string(c.Function.Arguments),
		})
	}
	return out
}

// Chat performs one non-streaming completion.
func (o *OllamaManager) Chat(ctx context.Context, req datatypes.ChatRequest) (*datatypes.ChatResponse, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaManager.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	resp, err := o.post(ctx, "/api/chat", o.buildChatRequest(req, false))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()
	var body ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding ollama chat response: %w", err)
	}
	return &datatypes.ChatResponse{
		Content:      body.Message.Content,
		Thinking:     body.Message.Thinking,
		ToolCalls:    convertToolCalls(body.Message.ToolCalls),
		InputTokens:  body.PromptEvalCount,
		OutputTokens: body.EvalCount,
		Model:        req.Model,
	}, nil
}

// ChatStream performs a streaming completion. The returned channel closes
// after the Done chunk (or an Err chunk). Cancelling ctx aborts the decode
// loop at the next chunk boundary.
func (o *OllamaManager) ChatStream(ctx context.Context, req datatypes.ChatRequest) (<-chan datatypes.StreamChunk, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaManager.ChatStream")
	span.SetAttributes(attribute.String("llm.model", req.Model))

	resp, err := o.post(ctx, "/api/chat", o.buildChatRequest(req, true))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	out := make(chan datatypes.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		defer span.End()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				out <- datatypes.StreamChunk{Err: datatypes.NewError(datatypes.KindCancelled, "stream cancelled", ctx.Err())}
				return
			default:
			}
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var body ollamaChatResponse
			if err := json.Unmarshal(line, &body); err != nil {
				out <- datatypes.StreamChunk{Err: fmt.Errorf("decoding stream chunk: %w", err)}
				return
			}
			chunk := datatypes.StreamChunk{
				Text:      body.Message.Content,
				Thinking:  body.Message.Thinking,
				ToolCalls: convertToolCalls(body.Message.ToolCalls),
			}
			if body.Done {
				chunk.Done = true
				chunk.InputTokens = body.PromptEvalCount
				chunk.OutputTokens = body.EvalCount
			}
			out <- chunk
			if body.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- datatypes.StreamChunk{Err: datatypes.NewError(datatypes.KindBackendUnavailable, "stream interrupted", err)}
		}
	}()
	return out, nil
}

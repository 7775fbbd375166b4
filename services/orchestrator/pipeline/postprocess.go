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
	"log/slog"
	"strings"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

const extractionTemperature float32 = 0.1

// ArtifactStore persists produced files, implemented by the storage
// package's artifact store.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, requestID, filename, artifactType string, content []byte) (datatypes.Artifact, error)
}

// Postprocessor extracts artifacts from a finished response and formats
// output for the client surface.
type Postprocessor struct {
	chat   ChatClient
	store  ArtifactStore
	logger *slog.Logger
}

func NewPostprocessor(chat ChatClient, store ArtifactStore, logger *slog.Logger) *Postprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postprocessor{
		chat:   chat,
		store:  store,
		logger: logger.With(slog.String("component", "postprocess")),
	}
}

// extractedArtifact is the JSON shape the extraction model must return.
type extractedArtifact struct {
	Filename     string `json:"filename"`
	Content      string `json:"content"`
	ArtifactType string `json:"artifact_type"`
}

// ExtractArtifacts runs only when preprocess flagged artifact intent and
// the response carries a fenced block. Every failure path returns what
// was extracted so far; a dropped artifact never fails the turn.
func (p *Postprocessor) ExtractArtifacts(ctx context.Context, requestID, responseText,
	extractionModel string, artifactRequested bool) []datatypes.Artifact {

	if !artifactRequested || !strings.Contains(responseText, "```") {
		return nil
	}
	if p.chat == nil || p.store == nil {
		return nil
	}

	temp := extractionTemperature
	resp, err := p.chat.Chat(ctx, datatypes.ChatRequest{
		Model: extractionModel,
		Messages: []datatypes.ChatMessage{{
			Role: string(datatypes.RoleUser),
			Content: "Extract the file the assistant produced. Return exactly one JSON object " +
				`{"filename": ..., "content": ..., "artifact_type": ...} and nothing else.` +
				"\n\nAssistant response:\n" + responseText,
		}},
		Temperature: &temp,
	})
	if err != nil {
		p.logger.Warn("Artifact extraction model failed",
			"request_id", requestID, "error", err)
		return nil
	}

	raw, ok := ExtractJSONObject(resp.Content)
	if !ok {
		p.logger.Debug("No JSON object in extraction response", "request_id", requestID)
		return nil
	}
	var ea extractedArtifact
	if err := json.Unmarshal([]byte(raw), &ea); err != nil || ea.Filename == "" || ea.Content == "" {
		p.logger.Debug("Malformed artifact object dropped", "request_id", requestID)
		return nil
	}

	artifact, err := p.store.SaveArtifact(ctx, requestID, ea.Filename, ea.ArtifactType, []byte(ea.Content))
	if err != nil {
		p.logger.Warn("Artifact persistence failed",
			"request_id", requestID, "filename", ea.Filename, "error", err)
		return nil
	}
	p.logger.Info("Artifact created",
		"request_id", requestID, "filename", artifact.Filename, "bytes", artifact.SizeBytes)
	return []datatypes.Artifact{artifact}
}

// FormatForInterface chunks the final text for the client surface.
// Discord-like surfaces get 2000-char chunks; everything else is one
// message.
func FormatForInterface(text string, iface datatypes.ClientInterface) []string {
	if iface == datatypes.InterfaceDiscord {
		return SplitMessage(text, DiscordMessageLimit)
	}
	return []string{text}
}

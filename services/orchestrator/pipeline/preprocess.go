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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/extract"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
)

// DefaultSummarizeThresholdTokens triggers history compaction when the
// accumulated context exceeds it and the user set no custom threshold.
const DefaultSummarizeThresholdTokens = 9000

// summarizeKeepLast is how many trailing messages survive compaction.
const summarizeKeepLast = 5

const summarizeTemperature float32 = 0.3

// ConversationStore is the history dependency, implemented by the badger
// conversation store.
type ConversationStore interface {
	History(ctx context.Context, threadID string) ([]datatypes.Message, error)
	Append(ctx context.Context, msg *datatypes.Message) error
	DeleteMessages(ctx context.Context, threadID string, messageIDs []string) error
}

// ChatClient is the inference dependency shared by preprocess and
// postprocess model calls.
type ChatClient interface {
	Chat(ctx context.Context, req datatypes.ChatRequest) (*datatypes.ChatResponse, error)
}

// PreprocessResult is everything the agent stage needs from stage one.
type PreprocessResult struct {
	// EnrichedMessage is the user message plus attached-file blocks.
	EnrichedMessage string

	// RoutingText is the sanitized text the router classifies.
	RoutingText string

	ArtifactRequested bool
	History           []datatypes.Message
}

// Preprocessor runs extraction, sanitization, artifact-intent detection,
// context enrichment, and conversation compaction.
type Preprocessor struct {
	extractors *extract.Registry
	chat       ChatClient
	registry   *profile.Registry
	store      ConversationStore
	logger     *slog.Logger
}

func NewPreprocessor(extractors *extract.Registry, chat ChatClient, registry *profile.Registry,
	store ConversationStore, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preprocessor{
		extractors: extractors,
		chat:       chat,
		registry:   registry,
		store:      store,
		logger:     logger.With(slog.String("component", "preprocess")),
	}
}

// Run executes the preprocess stage. Extraction and detection failures
// degrade; only store errors abort the turn.
func (p *Preprocessor) Run(ctx context.Context, req *datatypes.QueuedRequest, user *datatypes.User) (*PreprocessResult, error) {
	res := &PreprocessResult{
		EnrichedMessage: req.Message,
		RoutingText:     SanitizeForRouting(req.Message, req.Interface),
	}

	if len(req.FileRefs) > 0 {
		res.EnrichedMessage = p.enrichWithFiles(ctx, req)
	}

	res.ArtifactRequested = p.detectArtifactIntent(ctx, req.Message)

	if p.store != nil {
		history, err := p.store.History(ctx, req.ThreadID)
		if err != nil {
			return nil, err
		}
		history, err = p.maybeSummarize(ctx, req.ThreadID, history, user)
		if err != nil {
			// Compaction failure is survivable: run with the long history.
			p.logger.Warn("Conversation summarization failed",
				"thread", req.ThreadID, "error", err)
		}
		res.History = history
	}
	return res, nil
}

// enrichWithFiles appends structured attachment blocks to the message,
// extracting content for refs that arrived without it.
func (p *Preprocessor) enrichWithFiles(ctx context.Context, req *datatypes.QueuedRequest) string {
	var b strings.Builder
	b.WriteString(req.Message)
	for i := range req.FileRefs {
		ref := &req.FileRefs[i]
		if ref.ExtractedContent == "" && p.extractors != nil {
			ref.ExtractedContent = p.extractors.Extract(ctx, *ref)
		}
		fmt.Fprintf(&b, "\n\n[Attached file: %s (%s)]\nContent: %s",
			ref.Filename, ref.MimeType, ref.ExtractedContent)
	}
	return b.String()
}

// detectArtifactIntent asks the profile's detection model a YES/NO
// question. Any failure means NO; a missed artifact is recoverable, a
// failed turn is not.
func (p *Preprocessor) detectArtifactIntent(ctx context.Context, message string) bool {
	if p.chat == nil {
		return false
	}
	temp := float32(0.0)
	resp, err := p.chat.Chat(ctx, datatypes.ChatRequest{
		Model: p.registry.Active().Roles.ArtifactDetection,
		Messages: []datatypes.ChatMessage{{
			Role: string(datatypes.RoleUser),
			Content: "Does the user want a downloadable file produced? " +
				"Answer YES or NO only.\n\nUser message: " + message,
		}},
		Temperature: &temp,
		MaxTokens:   4,
		KeepAlive:   "2m",
	})
	if err != nil {
		p.logger.Debug("Artifact detection unavailable", "error", err)
		return false
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(resp.Content)), "YES")
}

// maybeSummarize compacts history once its token estimate crosses the
// user's threshold: everything but the last messages is summarized by the
// profile's summarization model, originals are deleted, and a synthetic
// system summary takes their place at the front.
func (p *Preprocessor) maybeSummarize(ctx context.Context, threadID string,
	history []datatypes.Message, user *datatypes.User) ([]datatypes.Message, error) {

	threshold := DefaultSummarizeThresholdTokens
	if user != nil && user.Preferences.SummarizeThresholdTokens > 0 {
		threshold = user.Preferences.SummarizeThresholdTokens
	}

	total := 0
	for _, m := range history {
		if m.TokenCount > 0 {
			total += m.TokenCount
		} else {
			total += datatypes.EstimateTokens(m.Content)
		}
	}
	if total < threshold || len(history) <= summarizeKeepLast {
		return history, nil
	}

	head := history[:len(history)-summarizeKeepLast]
	tail := history[len(history)-summarizeKeepLast:]

	var transcript strings.Builder
	for _, m := range head {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}
	temp := summarizeTemperature
	resp, err := p.chat.Chat(ctx, datatypes.ChatRequest{
		Model: p.registry.Active().Roles.Summarization,
		Messages: []datatypes.ChatMessage{{
			Role: string(datatypes.RoleUser),
			Content: "Summarize this conversation so it can replace the original messages. " +
				"Keep decisions, facts, names, and open questions.\n\n" + transcript.String(),
		}},
		Temperature: &temp,
	})
	if err != nil {
		return history, err
	}

	ids := make([]string, len(head))
	for i, m := range head {
		ids[i] = m.MessageID
	}
	if err := p.store.DeleteMessages(ctx, threadID, ids); err != nil {
		return history, err
	}

	summary := datatypes.Message{
		MessageID:  uuid.New().String(),
		ThreadID:   threadID,
		Role:       datatypes.RoleSystem,
		Content:    "Summary of earlier conversation: " + resp.Content,
		TokenCount: datatypes.EstimateTokens(resp.Content),
		Timestamp:  time.Now(),
		IsSummary:  true,
	}
	if err := p.store.Append(ctx, &summary); err != nil {
		return history, err
	}
	p.logger.Info("Conversation compacted",
		"thread", threadID, "replaced", len(head), "kept", len(tail))

	return append([]datatypes.Message{summary}, tail...), nil
}

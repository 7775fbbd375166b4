// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline executes one user turn: preprocess (extraction,
// sanitization, enrichment, compaction), the streaming agent tool loop,
// and postprocess (artifact extraction, formatting). Its Handle method is
// the queue worker's handler.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/extract"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
	"github.com/AleutianAI/kodiak/services/orchestrator/routing"
	"github.com/AleutianAI/kodiak/services/orchestrator/tools"
)

var tracer = otel.Tracer("kodiak.pipeline")

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kodiak", Subsystem: "pipeline", Name: "turns_total",
		Help: "Completed turns by outcome",
	}, []string{"outcome", "route"})
	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kodiak", Subsystem: "pipeline", Name: "turn_seconds",
		Help:    "End-to-end turn duration",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
)

// Sink is the hub-side contract the pipeline emits through.
type Sink interface {
	Send(clientID string, ev datatypes.StreamEvent)
	StartStatus(clientID, channelID, messageID string, kind datatypes.StatusKind, requestID string)
	StopStatus(clientID, channelID string)
}

// UserStore is the account dependency.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*datatypes.User, error)
	SaveUser(ctx context.Context, u *datatypes.User) error
}

// ToolConfig wires the per-deployment tool endpoints. Tools are built
// per turn so each carries that turn's fetch budget and invocation state.
type ToolConfig struct {
	WorkspaceDir  string
	BrainBaseURL  string
	SearchBaseURL string
	ImageBaseURL  string
	Notes         tools.NoteStore
	Asker         tools.Asker
	AskTimeout    time.Duration
}

// Config bundles the pipeline's collaborators.
type Config struct {
	Registry      *profile.Registry
	Client        StreamClient
	Classifier    *routing.Classifier
	Resolver      *routing.Resolver
	Extractors    *extract.Registry
	Conversations ConversationStore
	Users         UserStore
	Artifacts     ArtifactStore
	Sink          Sink
	Tools         ToolConfig

	// MaxRetries mirrors the queue's retry budget so terminal failure
	// events are only emitted on the last attempt.
	MaxRetries int

	Logger *slog.Logger
}

// Pipeline is the per-turn executor.
type Pipeline struct {
	cfg    Config
	pre    *Preprocessor
	post   *Postprocessor
	logger *slog.Logger
}

func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "pipeline"))
	return &Pipeline{
		cfg:    cfg,
		pre:    NewPreprocessor(cfg.Extractors, cfg.Client, cfg.Registry, cfg.Conversations, logger),
		post:   NewPostprocessor(cfg.Client, cfg.Artifacts, logger),
		logger: logger,
	}
}

// Handle runs one turn end to end. It is the queue.Handler.
func (p *Pipeline) Handle(ctx context.Context, req *datatypes.QueuedRequest) (*datatypes.RequestResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", req.RequestID))
	start := time.Now()

	result, route, err := p.run(ctx, req)
	turnDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		turnsTotal.WithLabelValues("completed", string(route)).Inc()
	case datatypes.IsKind(err, datatypes.KindCancelled):
		turnsTotal.WithLabelValues("cancelled", string(route)).Inc()
		p.emit(req, datatypes.NewEvent(datatypes.EventCancelled, req.RequestID))
	default:
		turnsTotal.WithLabelValues("failed", string(route)).Inc()
		if req.Attempt >= p.cfg.MaxRetries {
			ev := datatypes.NewEvent(datatypes.EventFailed, req.RequestID)
			ev.Error = userFacingError(err)
			ev.Attempts = req.Attempt + 1
			p.emit(req, ev)
		}
	}
	return result, err
}

func (p *Pipeline) run(ctx context.Context, req *datatypes.QueuedRequest) (*datatypes.RequestResult, routing.Route, error) {
	start := time.Now()
	p.emit(req, datatypes.NewEvent(datatypes.EventProcessing, req.RequestID))

	user, err := p.loadUser(ctx, req)
	if err != nil {
		return nil, "", err
	}

	if len(req.FileRefs) > 0 && p.cfg.Sink != nil {
		p.cfg.Sink.StartStatus(req.ClientID, req.ChannelID, req.MessageID,
			datatypes.StatusProcessingFiles, req.RequestID)
	}
	pre, err := p.pre.Run(ctx, req, user)
	if err != nil {
		return nil, "", err
	}

	// A per-request model override bypasses classification entirely.
	route := routing.RouteReasoning
	if req.Model == "" && p.cfg.Classifier != nil {
		route = p.cfg.Classifier.Classify(ctx, pre.RoutingText)
	}
	res := p.cfg.Resolver.Resolve(req, user, route)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("route", string(route)),
		attribute.String("llm.model", res.ModelID),
		attribute.String("model.source", string(res.Source)),
	)

	if p.cfg.Sink != nil {
		p.cfg.Sink.StartStatus(req.ClientID, req.ChannelID, req.MessageID,
			datatypes.StatusThinking, req.RequestID)
	}

	messages := p.buildMessages(route, pre, user, req)
	cap := p.cfg.Registry.Capability(res.ModelID)
	registry, inv := p.buildTools(req, res)
	base := datatypes.ChatRequest{
		Model:       res.ModelID,
		Messages:    messages,
		Temperature: res.Temperature,
		Thinking:    res.ThinkingEnabled,
		KeepAlive:   cap.KeepAlive,
	}
	if cap.SupportsTools {
		base.Tools = registry.Schemas()
	}

	agent := NewAgent(p.cfg.Client, registry, p.logger)
	text, usage, err := agent.Run(ctx, base, inv, p.streamEmitter(req))
	if p.cfg.Sink != nil {
		p.cfg.Sink.StopStatus(req.ClientID, req.ChannelID)
	}
	if err != nil {
		return nil, route, err
	}

	artifacts := p.post.ExtractArtifacts(ctx, req.RequestID, text,
		res.ExtractionModel, pre.ArtifactRequested)

	tokens := usage.InputTokens + usage.OutputTokens
	if tokens == 0 {
		tokens = datatypes.EstimateTokens(pre.EnrichedMessage) + datatypes.EstimateTokens(text)
	}
	p.persistTurn(ctx, req, pre, text, res.ModelID, tokens, user)

	result := &datatypes.RequestResult{
		Text:       text,
		TokensUsed: tokens,
		ModelUsed:  res.ModelID,
		Route:      string(route),
		Artifacts:  artifacts,
		Duration:   time.Since(start).Seconds(),
	}
	ev := datatypes.NewEvent(datatypes.EventResult, req.RequestID)
	ev.Result = result
	p.emit(req, ev)
	return result, route, nil
}

// loadUser fetches the account, applies the weekly rollover, and
// enforces ban and budget gates. A missing user store or unknown user
// runs the turn without account state.
func (p *Pipeline) loadUser(ctx context.Context, req *datatypes.QueuedRequest) (*datatypes.User, error) {
	if p.cfg.Users == nil || req.UserID == "" {
		return nil, nil
	}
	user, err := p.cfg.Users.GetUser(ctx, req.UserID)
	if err != nil || user == nil {
		return nil, nil
	}
	if user.Banned {
		return nil, datatypes.Errorf(datatypes.KindForbidden, "user %s is banned", req.UserID)
	}
	if user.RolloverIfStale(time.Now()) {
		if err := p.cfg.Users.SaveUser(ctx, user); err != nil {
			p.logger.Warn("Budget rollover persistence failed", "user", req.UserID, "error", err)
		}
	}
	if user.TokensRemaining() == 0 {
		return nil, datatypes.Errorf(datatypes.KindTokenBudgetExceeded,
			"weekly token budget exhausted")
	}
	return user, nil
}

func (p *Pipeline) buildMessages(route routing.Route, pre *PreprocessResult,
	user *datatypes.User, req *datatypes.QueuedRequest) []datatypes.ChatMessage {

	basePrompt := ""
	if user != nil {
		basePrompt = user.Preferences.BasePrompt
	}
	system := ComposeSystemPrompt(route, pre.ArtifactRequested, basePrompt, time.Now())

	messages := make([]datatypes.ChatMessage, 0, len(pre.History)+2)
	messages = append(messages, datatypes.ChatMessage{Role: string(datatypes.RoleSystem), Content: system})
	for _, m := range pre.History {
		messages = append(messages, m.ToChatMessage())
	}
	return append(messages, datatypes.ChatMessage{
		Role: string(datatypes.RoleUser), Content: pre.EnrichedMessage,
	})
}

// buildTools assembles the per-turn tool registry with this turn's fetch
// budget and invocation context.
func (p *Pipeline) buildTools(req *datatypes.QueuedRequest, res routing.Resolution) (*tools.Registry, *tools.Invocation) {
	budget := tools.NewFetchBudget(res.FetchLimit)
	tc := p.cfg.Tools

	registry := tools.NewRegistry(p.logger)
	registry.Register(tools.BrainSearchTool{BaseURL: tc.BrainBaseURL, Budget: budget})
	registry.Register(tools.BrainFetchTool{BaseURL: tc.BrainBaseURL, Budget: budget})
	registry.Register(tools.WebSearchTool{BaseURL: tc.SearchBaseURL, Budget: budget})
	registry.Register(tools.WebFetchTool{Budget: budget})
	registry.Register(tools.ReadFileTool{Root: tc.WorkspaceDir})
	registry.Register(tools.WriteFileTool{Root: tc.WorkspaceDir})
	registry.Register(tools.RunCodeTool{Root: tc.WorkspaceDir})
	registry.Register(tools.ExecuteCommandTool{Root: tc.WorkspaceDir})
	registry.Register(tools.RememberTool{Store: tc.Notes})
	registry.Register(tools.RecallTool{Store: tc.Notes})
	registry.Register(tools.AskUserTool{Hub: tc.Asker, Timeout: tc.AskTimeout})
	registry.Register(tools.GenerateImageTool{BaseURL: tc.ImageBaseURL})
	registry.Register(tools.ListAttachmentsTool{})
	registry.Register(tools.GetFileContentTool{})

	inv := &tools.Invocation{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		ThreadID:  req.ThreadID,
		FileRefs:  req.FileRefs,
	}
	return registry, inv
}

// streamEmitter forwards agent events to the client, cancelling the
// status animation when real content starts.
func (p *Pipeline) streamEmitter(req *datatypes.QueuedRequest) EmitFunc {
	var once sync.Once
	return func(ev datatypes.StreamEvent) {
		if ev.Type == datatypes.EventToken {
			once.Do(func() {
				if p.cfg.Sink != nil {
					p.cfg.Sink.StopStatus(req.ClientID, req.ChannelID)
				}
			})
		}
		p.emit(req, ev)
	}
}

func (p *Pipeline) persistTurn(ctx context.Context, req *datatypes.QueuedRequest,
	pre *PreprocessResult, responseText, modelID string, tokens int, user *datatypes.User) {

	if p.cfg.Conversations != nil {
		now := time.Now()
		userMsg := datatypes.Message{
			MessageID:  firstNonEmpty(req.MessageID, uuid.New().String()),
			ThreadID:   req.ThreadID,
			Role:       datatypes.RoleUser,
			Content:    req.Message,
			TokenCount: datatypes.EstimateTokens(req.Message),
			Timestamp:  now,
		}
		assistantMsg := datatypes.Message{
			MessageID:  uuid.New().String(),
			ThreadID:   req.ThreadID,
			Role:       datatypes.RoleAssistant,
			Content:    responseText,
			TokenCount: datatypes.EstimateTokens(responseText),
			Timestamp:  now.Add(time.Millisecond),
			ModelUsed:  modelID,
		}
		if err := p.cfg.Conversations.Append(ctx, &userMsg); err != nil {
			p.logger.Warn("Conversation persistence failed", "thread", req.ThreadID, "error", err)
		} else if err := p.cfg.Conversations.Append(ctx, &assistantMsg); err != nil {
			p.logger.Warn("Conversation persistence failed", "thread", req.ThreadID, "error", err)
		}
	}

	if user != nil && p.cfg.Users != nil {
		user.SpendTokens(tokens)
		user.UpdatedAt = time.Now()
		if err := p.cfg.Users.SaveUser(ctx, user); err != nil {
			p.logger.Warn("Token accounting persistence failed", "user", user.UserID, "error", err)
		}
	}
}

func (p *Pipeline) emit(req *datatypes.QueuedRequest, ev datatypes.StreamEvent) {
	if p.cfg.Sink != nil {
		p.cfg.Sink.Send(req.ClientID, ev)
	}
}

// userFacingError maps internal failures to a message safe to surface.
func userFacingError(err error) string {
	switch datatypes.KindOf(err) {
	case datatypes.KindOverBudget:
		return "Not enough GPU memory is available for the requested model right now."
	case datatypes.KindTokenBudgetExceeded:
		return "Your weekly token budget is exhausted."
	case datatypes.KindForbidden:
		return "This account cannot submit requests."
	case datatypes.KindBackendUnavailable:
		return "The model backend is unavailable."
	default:
		return "The request failed. It may succeed if retried."
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
)

var tracer = otel.Tracer("kodiak.routing")

var (
	classificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kodiak", Subsystem: "routing", Name: "classifications_total",
		Help: "Route classifications by outcome",
	}, []string{"route", "match"})
	classificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kodiak", Subsystem: "routing", Name: "classification_seconds",
		Help:    "Router model classification latency",
		Buckets: prometheus.DefBuckets,
	})
)

// classifierTemperature keeps the router model near-deterministic.
const classifierTemperature float32 = 0.1

// classifierKeepAlive is short: the router model is tiny and reload is
// cheap, so it should not pin VRAM between bursts.
const classifierKeepAlive = "2m"

const classifierMaxTokens = 16

// ChatClient is the inference dependency: the pipeline supplies an
// implementation that ensures the model is resident and dispatches to
// its backend.
type ChatClient interface {
	Chat(ctx context.Context, req datatypes.ChatRequest) (*datatypes.ChatResponse, error)
}

// Classifier assigns a route to a user message using the active
// profile's router model.
type Classifier struct {
	registry *profile.Registry
	client   ChatClient
	logger   *slog.Logger
}

func NewClassifier(registry *profile.Registry, client ChatClient, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		registry: registry,
		client:   client,
		logger:   logger.With(slog.String("component", "router")),
	}
}

func classifierPrompt(message string) string {
	names := make([]string, len(AllRoutes))
	for i, r := range AllRoutes {
		names[i] = string(r)
	}
	return fmt.Sprintf(
		"Classify the user message into exactly one of {%s}. "+
			"Respond with only the category name.\n\nUser message: %s",
		strings.Join(names, ", "), message)
}

// Classify invokes the router model at low temperature and maps its
// reply onto the route set: exact match first, then a substring scan,
// then REASONING. A transport error also falls back to REASONING so one
// flaky call never fails the turn.
func (c *Classifier) Classify(ctx context.Context, message string) Route {
	ctx, span := tracer.Start(ctx, "routing.Classify")
	defer span.End()

	routerModel := c.registry.Active().Roles.Router
	temp := classifierTemperature
	start := time.Now()
	resp, err := c.client.Chat(ctx, datatypes.ChatRequest{
		Model: routerModel,
		Messages: []datatypes.ChatMessage{
			{Role: string(datatypes.RoleUser), Content: classifierPrompt(message)},
		},
		Temperature: &temp,
		MaxTokens:   classifierMaxTokens,
		KeepAlive:   classifierKeepAlive,
	})
	elapsed := time.Since(start)
	classificationLatency.Observe(elapsed.Seconds())

	if err != nil {
		c.logger.Warn("Router model unavailable, defaulting route",
			"model", routerModel, "error", err)
		classificationsTotal.WithLabelValues(string(RouteReasoning), "error").Inc()
		span.SetAttributes(attribute.String("route", string(RouteReasoning)))
		return RouteReasoning
	}

	route, match := matchRoute(resp.Content)
	classificationsTotal.WithLabelValues(string(route), match).Inc()
	span.SetAttributes(
		attribute.String("route", string(route)),
		attribute.String("match", match),
		attribute.Int64("latency_ms", elapsed.Milliseconds()),
	)
	c.logger.Debug("Turn classified",
		"route", route, "match", match, "latency_ms", elapsed.Milliseconds())
	return route
}

// matchRoute normalizes the raw model reply and maps it to a route.
// Returns the match mode for metrics: exact, substring, or fallback.
func matchRoute(raw string) (Route, string) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if r := Route(normalized); r.Valid() {
		return r, "exact"
	}
	for _, r := range AllRoutes {
		if strings.Contains(normalized, string(r)) {
			return r, "substring"
		}
	}
	return RouteReasoning, "fallback"
}

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
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/kodiak/services/orchestrator/routing"
)

//go:embed prompts/*.md
var promptFS embed.FS

// toolUsageRules is substituted into the role layer.
const toolUsageRules = "Call a tool when it gets you facts you lack; never call tools for things you already know. " +
	"Use ask_user only when the answer materially changes what you will do."

func promptFile(name string) string {
	data, err := promptFS.ReadFile("prompts/" + name)
	if err != nil {
		// Embedded files are fixed at build time; a miss is a programming
		// error surfaced loudly in the composed prompt.
		return fmt.Sprintf("[missing prompt layer %s]", name)
	}
	return strings.TrimSpace(string(data))
}

func routePromptFile(route routing.Route) string {
	return "route_" + strings.ToLower(string(route)) + ".md"
}

// ComposeSystemPrompt layers the system prompt for a turn:
// role, critical protocols (only when an artifact was requested), the
// route-specific layer, format rules, then the user's base prompt.
func ComposeSystemPrompt(route routing.Route, artifactRequested bool, userBasePrompt string, now time.Time) string {
	layers := []string{promptFile("role.md")}
	if artifactRequested {
		layers = append(layers, promptFile("critical_protocols.md"))
	}
	layers = append(layers, promptFile(routePromptFile(route)), promptFile("format_rules.md"))
	if strings.TrimSpace(userBasePrompt) != "" {
		layers = append(layers, strings.TrimSpace(userBasePrompt))
	}

	composed := strings.Join(layers, "\n\n")
	replacer := strings.NewReplacer(
		"{current_date}", now.UTC().Format("2006-01-02"),
		"{tool_usage_rules}", toolUsageRules,
	)
	return replacer.Replace(composed)
}

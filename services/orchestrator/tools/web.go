// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

const maxFetchBytes = 512 << 10 // 512KB of fetched page text

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// FetchBudget bounds web/brain fetches for one turn, per the route's
// fetch limit. Zero limit means unlimited.
type FetchBudget struct {
	limit int64
	used  atomic.Int64
}

func NewFetchBudget(limit int) *FetchBudget {
	return &FetchBudget{limit: int64(limit)}
}

// Take consumes one fetch; false when the budget is exhausted.
func (b *FetchBudget) Take() bool {
	if b == nil || b.limit <= 0 {
		return true
	}
	return b.used.Add(1) <= b.limit
}

// WebSearchTool queries a SearXNG-compatible search endpoint.
type WebSearchTool struct {
	BaseURL string
	Client  *http.Client
	Budget  *FetchBudget
}

func (WebSearchTool) Name() string { return "web_search" }

func (WebSearchTool) Schema() datatypes.ToolSchema {
	return schema("web_search", "Search the web and return result titles, URLs, and snippets.",
		`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
}

func (t WebSearchTool) Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Query string `json:"query"`
	}
	if err := inv.decodeArgs(&args); err != nil || args.Query == "" {
		return datatypes.ToolFailure("invalid arguments: query required")
	}
	if t.BaseURL == "" {
		return datatypes.ToolFailure("web search is not configured")
	}
	if !t.Budget.Take() {
		return datatypes.ToolFailure("fetch limit reached for this request")
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", strings.TrimRight(t.BaseURL, "/"),
		url.QueryEscape(args.Query))
	body, err := fetchBody(ctx, client(t.Client), endpoint)
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return datatypes.ToolFailure("malformed search response: " + err.Error())
	}
	if len(parsed.Results) == 0 {
		return datatypes.ToolSuccess("no results")
	}
	var b strings.Builder
	for i, r := range parsed.Results {
		if i == 10 {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Content)
	}
	return datatypes.ToolSuccess(b.String())
}

// WebFetchTool retrieves one URL's body as text.
type WebFetchTool struct {
	Client *http.Client
	Budget *FetchBudget
}

func (WebFetchTool) Name() string { return "web_fetch" }

func (WebFetchTool) Schema() datatypes.ToolSchema {
	return schema("web_fetch", "Fetch the contents of a URL.",
		`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`)
}

func (t WebFetchTool) Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		URL string `json:"url"`
	}
	if err := inv.decodeArgs(&args); err != nil {
		return datatypes.ToolFailure("invalid arguments: " + err.Error())
	}
	u, err := url.Parse(args.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return datatypes.ToolFailure("url must be http or https")
	}
	if !t.Budget.Take() {
		return datatypes.ToolFailure("fetch limit reached for this request")
	}
	body, err := fetchBody(ctx, client(t.Client), args.URL)
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	return datatypes.ToolSuccess(string(body))
}

// BrainSearchTool queries the deployment's knowledge-base service.
type BrainSearchTool struct {
	BaseURL string
	Client  *http.Client
	Budget  *FetchBudget
}

func (BrainSearchTool) Name() string { return "brain_search" }

func (BrainSearchTool) Schema() datatypes.ToolSchema {
	return schema("brain_search", "Search the local knowledge base for relevant documents.",
		`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
}

func (t BrainSearchTool) Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Query string `json:"query"`
	}
	if err := inv.decodeArgs(&args); err != nil || args.Query == "" {
		return datatypes.ToolFailure("invalid arguments: query required")
	}
	if t.BaseURL == "" {
		return datatypes.ToolFailure("knowledge base is not configured")
	}
	if !t.Budget.Take() {
		return datatypes.ToolFailure("fetch limit reached for this request")
	}
	endpoint := fmt.Sprintf("%s/api/search?q=%s", strings.TrimRight(t.BaseURL, "/"),
		url.QueryEscape(args.Query))
	body, err := fetchBody(ctx, client(t.Client), endpoint)
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	return datatypes.ToolSuccess(string(body))
}

// BrainFetchTool retrieves one knowledge-base document by id.
type BrainFetchTool struct {
	BaseURL string
	Client  *http.Client
	Budget  *FetchBudget
}

func (BrainFetchTool) Name() string { return "brain_fetch" }

func (BrainFetchTool) Schema() datatypes.ToolSchema {
	return schema("brain_fetch", "Fetch a knowledge base document by its id.",
		`{"type":"object","properties":{"document_id":{"type":"string"}},"required":["document_id"]}`)
}

func (t BrainFetchTool) Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		DocumentID string `json:"document_id"`
	}
	if err := inv.decodeArgs(&args); err != nil || args.DocumentID == "" {
		return datatypes.ToolFailure("invalid arguments: document_id required")
	}
	if t.BaseURL == "" {
		return datatypes.ToolFailure("knowledge base is not configured")
	}
	if !t.Budget.Take() {
		return datatypes.ToolFailure("fetch limit reached for this request")
	}
	endpoint := fmt.Sprintf("%s/api/documents/%s", strings.TrimRight(t.BaseURL, "/"),
		url.PathEscape(args.DocumentID))
	body, err := fetchBody(ctx, client(t.Client), endpoint)
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	return datatypes.ToolSuccess(string(body))
}

// GenerateImageTool posts a prompt to the image generation service and
// returns the path of the stored image.
type GenerateImageTool struct {
	BaseURL string
	Client  *http.Client
}

func (GenerateImageTool) Name() string { return "generate_image" }

func (GenerateImageTool) Schema() datatypes.ToolSchema {
	return schema("generate_image", "Generate an image from a text prompt.",
		`{"type":"object","properties":{"prompt":{"type":"string"}},"required":["prompt"]}`)
}

func (t GenerateImageTool) Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := inv.decodeArgs(&args); err != nil || args.Prompt == "" {
		return datatypes.ToolFailure("invalid arguments: prompt required")
	}
	if t.BaseURL == "" {
		return datatypes.ToolFailure("image generation is not configured")
	}
	payload, _ := json.Marshal(map[string]string{"prompt": args.Prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.BaseURL, "/")+"/api/generate", strings.NewReader(string(payload)))
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client(t.Client).Do(req)
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return datatypes.ToolFailure(fmt.Sprintf("image service returned %d", resp.StatusCode))
	}
	return datatypes.ToolSuccess(string(body))
}

func client(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return defaultHTTPClient
}

func fetchBody(ctx context.Context, c *http.Client, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned %d", endpoint, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
}

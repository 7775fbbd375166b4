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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

type panicTool struct{}

func (panicTool) Name() string { return "panicky" }
func (panicTool) Schema() datatypes.ToolSchema {
	return schema("panicky", "always panics", `{"type":"object"}`)
}
func (panicTool) Invoke(context.Context, *Invocation) datatypes.ToolResult {
	panic("boom")
}

func TestDispatch_PanicBecomesFailureResult(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(panicTool{})

	res := r.Dispatch(context.Background(), "panicky", &Invocation{RequestID: "r1"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed internally")
}

func TestDispatch_UnknownToolAndCancelledContext(t *testing.T) {
	r := NewRegistry(nil)

	res := r.Dispatch(context.Background(), "nope", &Invocation{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Register(panicTool{})
	res = r.Dispatch(ctx, "panicky", &Invocation{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cancelled", "cancelled turns must not start tools")
}

func TestSchemas_SortedAndComplete(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(ReadFileTool{Root: "/tmp"})
	r.Register(ListAttachmentsTool{})
	r.Register(AskUserTool{})

	schemas := r.Schemas()
	require.Len(t, schemas, 3)
	assert.Equal(t, "ask_user", schemas[0].Name)
	assert.Equal(t, "list_attachments", schemas[1].Name)
	assert.Equal(t, "read_file", schemas[2].Name)
	for _, s := range schemas {
		assert.True(t, json.Valid(s.Parameters), "schema %s parameters must be valid JSON", s.Name)
	}
}

func TestFileTools_SandboxRoundTrip(t *testing.T) {
	root := t.TempDir()
	write := WriteFileTool{Root: root}
	read := ReadFileTool{Root: root}

	res := write.Invoke(context.Background(), &Invocation{
		Args: json.RawMessage(`{"path":"sub/hello.txt","content":"hi there"}`),
	})
	require.True(t, res.Success, res.Error)

	res = read.Invoke(context.Background(), &Invocation{
		Args: json.RawMessage(`{"path":"sub/hello.txt"}`),
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "hi there", res.Content)
}

func TestFileTools_TraversalConfined(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("nope"), 0o644))

	read := ReadFileTool{Root: root}
	res := read.Invoke(context.Background(), &Invocation{
		Args: json.RawMessage(`{"path":"../secret.txt"}`),
	})
	// The cleaned path stays under root, so the escape reads a missing
	// file instead of the real one.
	assert.False(t, res.Success)
	assert.NotEqual(t, "nope", res.Content)
}

func TestAttachmentTools(t *testing.T) {
	inv := &Invocation{FileRefs: []datatypes.FileRef{
		{Filename: "a.txt", MimeType: "text/plain", SizeBytes: 5, ExtractedContent: "alpha"},
		{Filename: "b.pdf", MimeType: "application/pdf", SizeBytes: 9},
	}}

	res := ListAttachmentsTool{}.Invoke(context.Background(), inv)
	require.True(t, res.Success)
	assert.Contains(t, res.Content, "a.txt")
	assert.Contains(t, res.Content, "b.pdf")

	res = GetFileContentTool{}.Invoke(context.Background(), &Invocation{
		FileRefs: inv.FileRefs,
		Args:     json.RawMessage(`{"filename":"a.txt"}`),
	})
	require.True(t, res.Success)
	assert.Equal(t, "alpha", res.Content)

	res = GetFileContentTool{}.Invoke(context.Background(), &Invocation{
		FileRefs: inv.FileRefs,
		Args:     json.RawMessage(`{"filename":"b.pdf"}`),
	})
	assert.False(t, res.Success, "attachment without extracted content fails")
}

type stubAsker struct {
	answer string
	err    error
	gotQ   string
}

func (s *stubAsker) Ask(ctx context.Context, requestID, question string, options []string, timeout time.Duration) (string, error) {
	s.gotQ = question
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func TestAskUser_AnswerTimeoutAndCancel(t *testing.T) {
	asker := &stubAsker{answer: "option B"}
	tool := AskUserTool{Hub: asker}

	res := tool.Invoke(context.Background(), &Invocation{
		RequestID: "r1",
		Args:      json.RawMessage(`{"question":"which one?","options":["A","B"]}`),
	})
	require.True(t, res.Success)
	assert.Equal(t, "option B", res.Content)
	assert.Equal(t, "which one?", asker.gotQ)

	tool = AskUserTool{Hub: &stubAsker{err: datatypes.Errorf(datatypes.KindAskUserTimeout, "timeout")}}
	res = tool.Invoke(context.Background(), &Invocation{Args: json.RawMessage(`{"question":"q"}`)})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "did not answer")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tool = AskUserTool{Hub: &stubAsker{err: context.Canceled}}
	res = tool.Invoke(ctx, &Invocation{Args: json.RawMessage(`{"question":"q"}`)})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cancelled")
}

func TestFetchBudget(t *testing.T) {
	b := NewFetchBudget(2)
	assert.True(t, b.Take())
	assert.True(t, b.Take())
	assert.False(t, b.Take())

	unlimited := NewFetchBudget(0)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Take())
	}
	var nilBudget *FetchBudget
	assert.True(t, nilBudget.Take())
}

func TestExecuteCommand_Allowlist(t *testing.T) {
	root := t.TempDir()
	tool := ExecuteCommandTool{Root: root}

	res := tool.Invoke(context.Background(), &Invocation{
		Args: json.RawMessage(`{"command":"rm","args":["-rf","/"]}`),
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not permitted")

	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o644))
	res = tool.Invoke(context.Background(), &Invocation{
		Args: json.RawMessage(`{"command":"ls"}`),
	})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Content, "f.txt")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// maxToolFileBytes caps read_file and get_file_content payloads.
const maxToolFileBytes = 1 << 20 // 1MB

// resolveSandboxed joins rel onto root and rejects escapes. Every
// filesystem tool goes through here.
func resolveSandboxed(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("sandbox directory not configured")
	}
	clean := filepath.Clean("/" + rel) // forces rel under a virtual root
	full := filepath.Join(root, clean)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return full, nil
}

// ReadFileTool reads a file from the per-deployment workspace directory.
type ReadFileTool struct {
	Root string
}

func (ReadFileTool) Name() string { return "read_file" }

func (ReadFileTool) Schema() datatypes.ToolSchema {
	return schema("read_file", "Read a text file from the workspace.",
		`{"type":"object","properties":{"path":{"type":"string","description":"workspace-relative path"}},"required":["path"]}`)
}

func (t ReadFileTool) Invoke(_ context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Path string `json:"path"`
	}
	if err := inv.decodeArgs(&args); err != nil {
		return datatypes.ToolFailure("invalid arguments: " + err.Error())
	}
	full, err := resolveSandboxed(t.Root, args.Path)
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	info, err := os.Stat(full)
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	if info.Size() > maxToolFileBytes {
		return datatypes.ToolFailure(fmt.Sprintf("file too large (%d bytes)", info.Size()))
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	return datatypes.ToolSuccess(string(data))
}

// WriteFileTool writes a file into the workspace directory.
type WriteFileTool struct {
	Root string
}

func (WriteFileTool) Name() string { return "write_file" }

func (WriteFileTool) Schema() datatypes.ToolSchema {
	return schema("write_file", "Write a text file into the workspace.",
		`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`)
}

func (t WriteFileTool) Invoke(_ context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := inv.decodeArgs(&args); err != nil {
		return datatypes.ToolFailure("invalid arguments: " + err.Error())
	}
	full, err := resolveSandboxed(t.Root, args.Path)
	if err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	return datatypes.ToolSuccess(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path))
}

// ListAttachmentsTool lists the current turn's uploads.
type ListAttachmentsTool struct{}

func (ListAttachmentsTool) Name() string { return "list_attachments" }

func (ListAttachmentsTool) Schema() datatypes.ToolSchema {
	return schema("list_attachments", "List files the user attached to this message.",
		`{"type":"object","properties":{}}`)
}

func (ListAttachmentsTool) Invoke(_ context.Context, inv *Invocation) datatypes.ToolResult {
	if len(inv.FileRefs) == 0 {
		return datatypes.ToolSuccess("no attachments")
	}
	var b strings.Builder
	for _, ref := range inv.FileRefs {
		fmt.Fprintf(&b, "%s (%s, %d bytes)\n", ref.Filename, ref.MimeType, ref.SizeBytes)
	}
	return datatypes.ToolSuccess(b.String())
}

// GetFileContentTool returns the extracted content of one attachment.
type GetFileContentTool struct{}

func (GetFileContentTool) Name() string { return "get_file_content" }

func (GetFileContentTool) Schema() datatypes.ToolSchema {
	return schema("get_file_content", "Get the extracted text content of an attached file by filename.",
		`{"type":"object","properties":{"filename":{"type":"string"}},"required":["filename"]}`)
}

func (GetFileContentTool) Invoke(_ context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Filename string `json:"filename"`
	}
	if err := inv.decodeArgs(&args); err != nil {
		return datatypes.ToolFailure("invalid arguments: " + err.Error())
	}
	for _, ref := range inv.FileRefs {
		if ref.Filename != args.Filename {
			continue
		}
		if ref.ExtractedContent == "" {
			return datatypes.ToolFailure(fmt.Sprintf("no extracted content for %s", args.Filename))
		}
		content := ref.ExtractedContent
		if len(content) > maxToolFileBytes {
			content = content[:maxToolFileBytes]
		}
		return datatypes.ToolSuccess(content)
	}
	return datatypes.ToolFailure(fmt.Sprintf("no attachment named %q", args.Filename))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

const (
	execTimeout   = 60 * time.Second
	maxExecOutput = 64 << 10 // 64KB of combined stdout/stderr
)

// RunCodeTool writes a Python snippet into the workspace and executes it.
type RunCodeTool struct {
	Root   string
	Python string // interpreter, defaults to python3
}

func (RunCodeTool) Name() string { return "run_code" }

func (RunCodeTool) Schema() datatypes.ToolSchema {
	return schema("run_code", "Execute a Python snippet in the workspace and return its output.",
		`{"type":"object","properties":{"code":{"type":"string"}},"required":["code"]}`)
}

func (t RunCodeTool) Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Code string `json:"code"`
	}
	if err := inv.decodeArgs(&args); err != nil || args.Code == "" {
		return datatypes.ToolFailure("invalid arguments: code required")
	}
	if t.Root == "" {
		return datatypes.ToolFailure("workspace directory not configured")
	}
	interpreter := t.Python
	if interpreter == "" {
		interpreter = "python3"
	}

	script := filepath.Join(t.Root, fmt.Sprintf("run_%s.py", uuid.New().String()[:8]))
	if err := os.WriteFile(script, []byte(args.Code), 0o644); err != nil {
		return datatypes.ToolFailure(err.Error())
	}
	defer os.Remove(script)

	return runInWorkspace(ctx, t.Root, interpreter, script)
}

// ExecuteCommandTool runs an allowlisted command in the workspace.
// The allowlist is deliberate: agents get build/inspection commands, not
// a shell.
type ExecuteCommandTool struct {
	Root    string
	Allowed []string
}

// DefaultAllowedCommands is the stock allowlist.
var DefaultAllowedCommands = []string{"ls", "cat", "grep", "wc", "head", "tail", "find", "git", "make"}

func (ExecuteCommandTool) Name() string { return "execute_command" }

func (ExecuteCommandTool) Schema() datatypes.ToolSchema {
	return schema("execute_command", "Run an allowlisted command in the workspace.",
		`{"type":"object","properties":{"command":{"type":"string"},"args":{"type":"array","items":{"type":"string"}}},"required":["command"]}`)
}

func (t ExecuteCommandTool) Invoke(ctx context.Context, inv *Invocation) datatypes.ToolResult {
	var args struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	if err := inv.decodeArgs(&args); err != nil || args.Command == "" {
		return datatypes.ToolFailure("invalid arguments: command required")
	}
	if t.Root == "" {
		return datatypes.ToolFailure("workspace directory not configured")
	}
	allowed := t.Allowed
	if len(allowed) == 0 {
		allowed = DefaultAllowedCommands
	}
	permitted := false
	for _, a := range allowed {
		if args.Command == a {
			permitted = true
			break
		}
	}
	if !permitted {
		return datatypes.ToolFailure(fmt.Sprintf("command %q is not permitted", args.Command))
	}
	return runInWorkspace(ctx, t.Root, args.Command, args.Args...)
}

func runInWorkspace(ctx context.Context, dir, name string, args ...string) datatypes.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	output := out.String()
	if len(output) > maxExecOutput {
		output = output[:maxExecOutput] + "\n[output truncated]"
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return datatypes.ToolFailure("command timed out")
		}
		msg := err.Error()
		if strings.TrimSpace(output) != "" {
			msg = msg + "\n" + output
		}
		return datatypes.ToolFailure(msg)
	}
	if output == "" {
		output = "(no output)"
	}
	return datatypes.ToolSuccess(output)
}

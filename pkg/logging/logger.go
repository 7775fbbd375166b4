// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the orchestrator's slog loggers: JSON to
// stdout, optionally teed into dated log directories
// (<dir>/YYYY-MM-DD/<service>.log) that the retention sweeper removes
// when they age out.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config selects destinations and verbosity.
type Config struct {
	// Level is "debug", "info", "warn", or "error". Default: info.
	Level string

	// Dir enables file output under <Dir>/<YYYY-MM-DD>/. Empty keeps
	// stdout only.
	Dir string

	// Service names the per-day log file (<service>.log).
	Service string
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger wraps slog with the file handle lifecycle.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// New builds a logger per cfg. File-open failures degrade to
// stdout-only with a warning rather than failing startup.
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)
	stdout := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})

	if cfg.Dir == "" {
		return &Logger{Logger: slog.New(stdout)}
	}

	service := cfg.Service
	if service == "" {
		service = "orchestrator"
	}
	dir := DatedDir(cfg.Dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		slog.New(stdout).Warn("File logging disabled", "dir", dir, "error", err)
		return &Logger{Logger: slog.New(stdout)}
	}
	path := filepath.Join(dir, service+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		slog.New(stdout).Warn("File logging disabled", "file", path, "error", err)
		return &Logger{Logger: slog.New(stdout)}
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
	return &Logger{
		Logger: slog.New(&teeHandler{handlers: []slog.Handler{stdout, fileHandler}}),
		file:   f,
	}
}

// Default returns a stdout-only info-level logger.
func Default() *Logger {
	return New(Config{})
}

// DatedDir returns today's log directory under base, the shape the
// retention sweeper expects.
func DatedDir(base string) string {
	return filepath.Join(base, time.Now().UTC().Format("2006-01-02"))
}

// WriterLogger builds a logger writing to w, for tests that assert on
// log output.
func WriterLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

// teeHandler fans one record out to every destination. A failed
// destination does not block the others.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &teeHandler{handlers: out}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &teeHandler{handlers: out}
}

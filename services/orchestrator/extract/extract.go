// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract turns uploaded files into prompt-ready text. Extractors
// are selected by MIME class; a failing extractor degrades to a
// placeholder instead of aborting the turn.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// MaxExtractedChars truncates runaway extractions so one large PDF cannot
// blow the context window on its own.
const MaxExtractedChars = 60_000

const commandTimeout = 30 * time.Second

// Extractor converts one staged upload into text.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, ref datatypes.FileRef) (string, error)
}

// Registry resolves a FileRef's MIME type to an extractor.
type Registry struct {
	extractors map[string]Extractor // MIME class → extractor
	logger     *slog.Logger
}

// NewRegistry wires the default extractor set: OCR for images, pdftotext
// for PDFs, direct read for text and code.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		extractors: make(map[string]Extractor),
		logger:     logger.With(slog.String("component", "extractor")),
	}
	r.Register("image", &ocrExtractor{})
	r.Register("pdf", &pdfExtractor{})
	r.Register("text", &textExtractor{})
	return r
}

// Register installs an extractor for a MIME class, replacing any previous
// one. Used by the defaults above and by tests.
func (r *Registry) Register(class string, e Extractor) {
	r.extractors[class] = e
}

// mimeClass collapses a concrete MIME type to the extractor key.
// Code uploads usually arrive as application/* subtypes (json, xml,
// x-sh, javascript) and are treated as text.
func mimeClass(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case mt == "application/pdf":
		return "pdf"
	case strings.HasPrefix(mt, "text/"):
		return "text"
	case strings.Contains(mt, "json"), strings.Contains(mt, "xml"),
		strings.Contains(mt, "yaml"), strings.Contains(mt, "javascript"),
		strings.Contains(mt, "x-sh"), strings.Contains(mt, "x-python"):
		return "text"
	default:
		return ""
	}
}

// Extract runs the matching extractor for one upload. An unsupported
// type or a failed extraction returns placeholder text and no error; the
// turn continues either way.
func (r *Registry) Extract(ctx context.Context, ref datatypes.FileRef) string {
	class := mimeClass(ref.MimeType)
	e, ok := r.extractors[class]
	if !ok {
		r.logger.Info("Unsupported upload type",
			"file", ref.Filename, "mime", ref.MimeType)
		return fmt.Sprintf("[extraction failed: unsupported file type %s]", ref.MimeType)
	}

	text, err := e.Extract(ctx, ref)
	if err != nil {
		r.logger.Warn("File extraction failed",
			"file", ref.Filename, "extractor", e.Name(), "error", err)
		return fmt.Sprintf("[extraction failed: %v]", err)
	}
	if len(text) > MaxExtractedChars {
		text = text[:MaxExtractedChars] + "\n[truncated]"
	}
	return text
}

// textExtractor reads the staged file directly.
type textExtractor struct{}

func (textExtractor) Name() string { return "direct" }

func (textExtractor) Extract(_ context.Context, ref datatypes.FileRef) (string, error) {
	data, err := os.ReadFile(ref.StoragePath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// pdfExtractor shells out to pdftotext (poppler-utils).
type pdfExtractor struct{}

func (pdfExtractor) Name() string { return "pdftotext" }

func (pdfExtractor) Extract(ctx context.Context, ref datatypes.FileRef) (string, error) {
	return runCommand(ctx, "pdftotext", "-layout", ref.StoragePath, "-")
}

// ocrExtractor shells out to tesseract for image OCR.
type ocrExtractor struct{}

func (ocrExtractor) Name() string { return "tesseract" }

func (ocrExtractor) Extract(ctx context.Context, ref datatypes.FileRef) (string, error) {
	return runCommand(ctx, "tesseract", ref.StoragePath, "stdout")
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", datatypes.NewError(datatypes.KindExtractionFailed,
			fmt.Sprintf("%s: %s", name, detail), err)
	}
	return out.String(), nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

func TestMimeClass(t *testing.T) {
	cases := map[string]string{
		"image/png":              "image",
		"image/jpeg":             "image",
		"application/pdf":        "pdf",
		"text/plain":             "text",
		"text/markdown":          "text",
		"application/json":       "text",
		"application/x-sh":       "text",
		"application/zip":        "",
		"video/mp4":              "",
		" TEXT/PLAIN ":           "text",
	}
	for mime, want := range cases {
		assert.Equal(t, want, mimeClass(mime), "mime %q", mime)
	}
}

func TestExtract_DirectRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	r := NewRegistry(nil)
	text := r.Extract(context.Background(), datatypes.FileRef{
		Filename: "notes.txt", MimeType: "text/plain", StoragePath: path,
	})
	assert.Equal(t, "hello world", text)
}

func TestExtract_UnsupportedTypeDegrades(t *testing.T) {
	r := NewRegistry(nil)
	text := r.Extract(context.Background(), datatypes.FileRef{
		Filename: "a.zip", MimeType: "application/zip",
	})
	assert.Contains(t, text, "[extraction failed: unsupported file type")
}

type failingExtractor struct{}

func (failingExtractor) Name() string { return "failing" }
func (failingExtractor) Extract(context.Context, datatypes.FileRef) (string, error) {
	return "", errors.New("binary not found")
}

func TestExtract_FailureYieldsPlaceholderNotError(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("pdf", failingExtractor{})

	text := r.Extract(context.Background(), datatypes.FileRef{
		Filename: "doc.pdf", MimeType: "application/pdf",
	})
	assert.True(t, strings.HasPrefix(text, "[extraction failed:"), "got %q", text)
	assert.Contains(t, text, "binary not found")
}

type hugeExtractor struct{}

func (hugeExtractor) Name() string { return "huge" }
func (hugeExtractor) Extract(context.Context, datatypes.FileRef) (string, error) {
	return strings.Repeat("x", MaxExtractedChars+100), nil
}

func TestExtract_TruncatesOversizedOutput(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("text", hugeExtractor{})

	text := r.Extract(context.Background(), datatypes.FileRef{MimeType: "text/plain"})
	assert.LessOrEqual(t, len(text), MaxExtractedChars+len("\n[truncated]"))
	assert.True(t, strings.HasSuffix(text, "[truncated]"))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("banana"))
}

func TestNew_WritesDatedFile(t *testing.T) {
	base := t.TempDir()
	l := New(Config{Dir: base, Service: "orchestrator"})
	defer l.Close()

	l.Info("hello", "k", "v")
	require.NoError(t, l.Close())

	path := filepath.Join(DatedDir(base), "orchestrator.log")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "v", entry["k"])
}

func TestNew_NoDirIsStdoutOnly(t *testing.T) {
	l := New(Config{})
	defer l.Close()
	assert.Nil(t, l.file)
	l.Info("stdout only") // must not panic
}

func TestDatedDir(t *testing.T) {
	dir := DatedDir("/var/log/kodiak")
	assert.Equal(t, filepath.Join("/var/log/kodiak",
		time.Now().UTC().Format("2006-01-02")), dir)
}

func TestWriterLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := WriterLogger(&buf, "warn")
	l.Info("dropped")
	l.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

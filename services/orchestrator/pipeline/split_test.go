// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessage_ShortTextUntouched(t *testing.T) {
	chunks := SplitMessage("hello", 2000)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0])
}

func TestSplitMessage_PrefersLineBoundaries(t *testing.T) {
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = strings.Repeat("a", 90)
	}
	text := strings.Join(lines, "\n")

	chunks := SplitMessage(text, 500)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 500, "chunk %d", i)
		for _, line := range strings.Split(c, "\n") {
			assert.Len(t, line, 90, "no line may be cut")
		}
	}
	assert.Equal(t, text, strings.Join(chunks, "\n"))
}

func TestSplitMessage_WordSplitsOverlongLine(t *testing.T) {
	words := make([]string, 100)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ") // one 499-char line

	chunks := SplitMessage(text, 120)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 120)
		assert.False(t, strings.HasPrefix(c, " "))
		for _, w := range strings.Fields(strings.ReplaceAll(c, "\n", " ")) {
			assert.Equal(t, "word", w, "words must survive intact")
		}
	}
}

func TestSplitMessage_HardSplitsGiantWord(t *testing.T) {
	text := strings.Repeat("x", 5000)
	chunks := SplitMessage(text, 2000)
	require.Greater(t, len(chunks), 1)
	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 2000)
		total += len(strings.ReplaceAll(c, "\n", ""))
	}
	assert.Equal(t, 5000, total)
}

func TestSplitMessage_ReopensCodeFences(t *testing.T) {
	var b strings.Builder
	b.WriteString("```go\n")
	for i := 0; i < 60; i++ {
		b.WriteString(strings.Repeat("code", 10) + "\n")
	}
	b.WriteString("```")

	chunks := SplitMessage(b.String(), 600)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 600, "chunk %d", i)
		// Every chunk must contain a balanced number of fence markers.
		assert.Equal(t, 0, strings.Count(c, "```")%2, "chunk %d has unbalanced fences:\n%s", i, c)
	}
	assert.True(t, strings.HasPrefix(chunks[1], "```go"), "continuation reopens the fence")
}

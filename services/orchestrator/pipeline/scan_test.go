// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject_BalancedWithBracesInStrings(t *testing.T) {
	// The content field itself contains braces and escaped quotes; a
	// naive regex would cut the object short.
	input := "Here is the file:\n" +
		`{"filename":"main.go","content":"func main() { fmt.Println(\"{hi}\") }","artifact_type":"code"}` +
		"\nDone."

	raw, ok := ExtractJSONObject(input)
	require.True(t, ok)

	var obj map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &obj))
	assert.Equal(t, "main.go", obj["filename"])
	assert.Contains(t, obj["content"], `{hi}`)
}

func TestExtractJSONObject_SkipsInvalidCandidates(t *testing.T) {
	// The first balanced group is a code snippet, not JSON; the scanner
	// must move on to the real object.
	input := "struct { int x; }\n" + `{"filename":"a.txt","content":"x"}`
	raw, ok := ExtractJSONObject(input)
	require.True(t, ok)
	assert.Contains(t, raw, "a.txt")
}

func TestExtractJSONObject_NoObject(t *testing.T) {
	_, ok := ExtractJSONObject("no json here")
	assert.False(t, ok)

	_, ok = ExtractJSONObject(`{"unterminated": "`)
	assert.False(t, ok)
}

func TestExtractJSONObject_MultilineContent(t *testing.T) {
	input := "```json\n{\n  \"filename\": \"notes.md\",\n  \"content\": \"line1\\nline2\",\n  \"artifact_type\": \"document\"\n}\n```"
	raw, ok := ExtractJSONObject(input)
	require.True(t, ok)
	var obj extractedArtifact
	require.NoError(t, json.Unmarshal([]byte(raw), &obj))
	assert.Equal(t, "notes.md", obj.Filename)
	assert.Equal(t, "line1\nline2", obj.Content)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import "strings"

// DiscordMessageLimit is the hard per-message cap on Discord-like
// surfaces.
const DiscordMessageLimit = 2000

// SplitMessage chunks text to fit limit, preferring line boundaries,
// falling back to word boundaries, and hard-splitting only words longer
// than the limit. Open code fences are closed at a chunk boundary and
// reopened in the next chunk so every chunk renders correctly on its own.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	// Reserve room for a closing fence we may need to append.
	const fence = "```"
	budget := limit - len(fence) - 1

	var chunks []string
	var b strings.Builder
	openFence := "" // the fence opener line to restore, "" when not in a fence

	flush := func() {
		if b.Len() == 0 {
			return
		}
		chunk := b.String()
		if openFence != "" {
			chunk = strings.TrimRight(chunk, "\n") + "\n" + fence
		}
		chunks = append(chunks, chunk)
		b.Reset()
		if openFence != "" {
			b.WriteString(openFence)
			b.WriteByte('\n')
		}
	}

	appendLine := func(line string) {
		need := len(line)
		if b.Len() > 0 {
			need++ // newline separator
		}
		if b.Len()+need > budget {
			flush()
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), fence) {
			if openFence == "" {
				appendLine(line)
				openFence = strings.TrimSpace(line)
			} else {
				appendLine(line)
				openFence = ""
			}
			continue
		}

		if len(line) <= budget {
			appendLine(line)
			continue
		}
		for _, piece := range splitWords(line, budget) {
			appendLine(piece)
		}
	}
	if b.Len() > 0 {
		chunk := b.String()
		if openFence != "" && !strings.HasSuffix(strings.TrimRight(chunk, "\n"), fence) {
			chunk = strings.TrimRight(chunk, "\n") + "\n" + fence
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// splitWords breaks one overlong line at word boundaries, hard-splitting
// words that alone exceed the limit.
func splitWords(line string, limit int) []string {
	var out []string
	var b strings.Builder
	for _, word := range strings.Fields(line) {
		for len(word) > limit {
			if b.Len() > 0 {
				out = append(out, b.String())
				b.Reset()
			}
			out = append(out, word[:limit])
			word = word[limit:]
		}
		need := len(word)
		if b.Len() > 0 {
			need++
		}
		if b.Len()+need > limit {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

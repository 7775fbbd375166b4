// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"strings"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// artifactPhrases is the request-format language stripped before routing
// on Discord-like surfaces. The router should classify the task, not the
// packaging; "write a sort function as a file" routes the same as "write
// a sort function".
var artifactPhrases = []string{
	"as a file",
	"as a downloadable file",
	"in a file",
	"to a file",
	"make it a file",
	"make this a file",
	"create a file",
	"save it as a file",
	"give me a download",
	"as an attachment",
	"send it as an attachment",
}

// SanitizeForRouting removes artifact-request phrasing on chat-style
// surfaces. Terminal and IDE surfaces pass through untouched; their
// clients handle files natively.
func SanitizeForRouting(message string, iface datatypes.ClientInterface) string {
	if iface == datatypes.InterfaceCLI {
		return message
	}
	lower := strings.ToLower(message)
	out := message
	for _, phrase := range artifactPhrases {
		for {
			idx := strings.Index(lower, phrase)
			if idx < 0 {
				break
			}
			out = out[:idx] + out[idx+len(phrase):]
			lower = lower[:idx] + lower[idx+len(phrase):]
		}
	}
	return strings.Join(strings.Fields(out), " ")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompt

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// stripPolicy removes every HTML element, including the content of
// script and style elements.
var stripPolicy = bluemonday.StrictPolicy()

// escapedRunes get a backslash prefix so the message is inert inside the
// quoted "User prompt" line of the template.
const escapedRunes = "\x00\b\t\x1a\n\r\"'\\%"

// droppedRunes are removed outright. Shell and template metacharacters:
// the sanitized text ends up in prompts and in on-disk logs.
const droppedRunes = ";&|$><`{}"

// Sanitize normalizes a raw user message before it touches the pipeline.
//
// HTML markup is stripped (script/style bodies included), entities are
// decoded back to plain text, control and quoting characters are
// backslash-escaped, and shell metacharacters are dropped. The result is
// what gets logged, broadcast and embedded in the prompt; it may be empty,
// which callers must treat as an invalid message.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case strings.ContainsRune(escapedRunes, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		case strings.ContainsRune(droppedRunes, r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

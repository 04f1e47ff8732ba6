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
	"regexp"
	"strings"
)

// ParsedResponse is the structured form of one model reply.
type ParsedResponse struct {
	// Message is the user-facing answer with newlines rewritten to <br>
	// for the widget. Empty when the answer markers were missing, which
	// callers must treat as a failed generation.
	Message string

	// Summary replaces the session's running summary when non-empty.
	Summary string

	// PreviousTopic replaces the session's topic when non-empty.
	PreviousTopic string
}

var (
	answerRe  = regexp.MustCompile(`(?s)ChatBot_Answer:\s*(.*?)\s*End_ChatBot_Answer`)
	summaryRe = regexp.MustCompile(`(?s)ChatBot_Summary:\s*(.*?)\s*End_ChatBot_Summary`)
	topicRe   = regexp.MustCompile(`(?m)ChatBot_Topic:[ \t]*(.*?)[ \t]*$`)
)

// Parse extracts the marker-framed sections from a raw model reply.
//
// Each section is independent: a reply missing its summary or topic still
// yields its answer, and vice versa. Missing sections come back empty.
func Parse(raw string) ParsedResponse {
	var out ParsedResponse
	if m := answerRe.FindStringSubmatch(raw); m != nil {
		out.Message = strings.ReplaceAll(m[1], "\n", "<br>")
	}
	if m := summaryRe.FindStringSubmatch(raw); m != nil {
		out.Summary = m[1]
	}
	if m := topicRe.FindStringSubmatch(raw); m != nil {
		out.PreviousTopic = m[1]
	}
	return out
}

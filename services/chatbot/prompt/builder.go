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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chatbot/datatypes"
)

// Builder renders the generation prompt for one turn.
type Builder struct {
	persona Persona
}

// NewBuilder creates a Builder with the given persona.
func NewBuilder(persona Persona) *Builder {
	return &Builder{persona: persona}
}

// Build assembles the full prompt from the sanitized user message, the
// session's conversation memory, and the retrieved knowledge entries.
//
// The first retrieved entry is inlined as grounding material; the
// questions of any further entries are offered as related topics. With no
// retrieval results the prompt degrades to the bare template, which is
// also the path taken when the knowledge index is empty or unavailable.
func (b *Builder) Build(message string, memory datatypes.ConversationMemory, retrieved []datatypes.SearchResult) string {
	var rag strings.Builder
	related := "Another related topic to consider: "
	if len(retrieved) > 0 {
		fmt.Fprintf(&rag, "Here is relevant background information that may help answer the user's question. Follow the Sample out bellow, Summarize and explain it in your own words:\n"+
			"RAG_Question: %s\n"+
			"RAG_Answer: %s.\n"+
			"Generate **ready-to-use follow-up questions** that user can send immediately to clarify the answer, ask for examples or explore related topics. The questions **must be intended for the user to ask the bot, not for the user to answer**. Each question must start with '*'.\n",
			retrieved[0].Question, retrieved[0].Answer)
		for _, r := range retrieved[1:] {
			related += r.Question + " "
		}
	}
	rag.WriteString(related + "\n\n")

	return fmt.Sprintf(
		"User prompt: \"%s\"\n\n"+
			"Role description: %s\n\n"+
			"%s"+
			"The answer **must include ready-to-use follow-up questions** that the user can copy and send immediately. These questions must start with '*'.\n\n"+
			"If the answer includes programming code, wrap it with `<code>` and `</code>` tags.\n\n"+
			"Reserve Topic: %s. Topic: %s\n\n"+
			"Previous conversation summary: %s\n\n"+
			"Sample output:\n\n"+
			"ChatBot_Answer: [Your answer here] End_ChatBot_Answer\n\n"+
			"ChatBot_Summary: [Summarize interactions] End_ChatBot_Summary\n\n"+
			"ChatBot_Topic: [Conversation topic]",
		message, b.persona.Role, rag.String(), b.persona.ReserveTopic, memory.PreviousTopic, memory.Summary)
}

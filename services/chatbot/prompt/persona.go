// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt turns a user message plus retrieved knowledge into the
// structured prompt the model expects, and parses the model's marker-framed
// reply back into answer, summary and topic.
package prompt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Persona configures the bot's identity inside the prompt template.
type Persona struct {
	// Role is the subject-matter framing handed to the model.
	Role string `yaml:"role"`

	// ReserveTopic is the topic the model falls back to when the
	// conversation has not established one yet.
	ReserveTopic string `yaml:"reserve_topic"`

	// FallbackAnswer is sent verbatim to the user when generation or
	// parsing fails.
	FallbackAnswer string `yaml:"fallback_answer"`
}

// DefaultPersona returns the built-in OWASP tutor persona.
func DefaultPersona() Persona {
	return Persona{
		Role:           "You are an OWASP domain expert. Follow the user's demand strictly. If the user provides a question, give a **concise, meaningful, and accurate answer**.",
		ReserveTopic:   "OWASP",
		FallbackAnswer: "Sorry, something went wrong! Please try again.",
	}
}

// LoadPersona reads a persona from a YAML file. Empty fields fall back to
// the defaults, so a file may override only the role or only the topic.
func LoadPersona(path string) (Persona, error) {
	p := DefaultPersona()

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("reading persona file: %w", err)
	}
	var overlay Persona
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return p, fmt.Errorf("parsing persona file %s: %w", path, err)
	}

	if overlay.Role != "" {
		p.Role = overlay.Role
	}
	if overlay.ReserveTopic != "" {
		p.ReserveTopic = overlay.ReserveTopic
	}
	if overlay.FallbackAnswer != "" {
		p.FallbackAnswer = overlay.FallbackAnswer
	}
	return p, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// file paths or log keys. Using these validators prevents injection attacks
// (path traversal, log key forgery).
package validation

import (
	"fmt"
	"regexp"
)

// MaxSessionIDLength bounds session identifiers. The generated format is a
// 16-character time prefix plus a 36-character UUID, well under this cap.
const MaxSessionIDLength = 128

// sessionIDPattern matches valid session identifiers.
// Allows: letters, digits, hyphens, underscores.
// The identifier doubles as a file name under the conversation data
// directory, so path separators and dots are rejected outright.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSessionID validates a session identifier received from a client.
//
// Session identifiers are used verbatim as file names for the per-session
// turn log and memory snapshot. A forged identifier containing "../" or an
// absolute path would let a client read or overwrite arbitrary files, so
// anything outside [A-Za-z0-9_-] is rejected.
//
// Returns an error describing the first failed check, or nil if the
// identifier is safe to use.
//
// Example:
//
//	if err := validation.ValidateSessionID(id); err != nil {
//	    // treat as "no session": issue a fresh identifier
//	}
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if len(id) > MaxSessionIDLength {
		return fmt.Errorf("session id exceeds %d characters", MaxSessionIDLength)
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session id contains invalid characters")
	}
	return nil
}

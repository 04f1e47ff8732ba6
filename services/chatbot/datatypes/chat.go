// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the chatbot service.
//
// This file contains the websocket event envelope and its payloads. For
// knowledge-retrieval types, see knowledge.go; for conversation state, see
// session.go.
package datatypes

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	// Byte length, not rune count: caps memory per inbound frame.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxSearchResultLimit caps result counts on the ad-hoc search endpoint.
	MaxSearchResultLimit = 50
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chatbot datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
// Checks byte length (not rune count) to prevent memory exhaustion with
// large multi-byte payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Event Envelope
// =============================================================================

// Event names carried by Envelope. The names match the upstream widget
// protocol and must not be renamed.
const (
	EventChatMessage = "chat_message"
	EventBotStatus   = "bot_status"
	EventSetCookie   = "set-cookie"
	EventLoadChat    = "load_chat"
	EventAck         = "ack"
)

// Envelope is one websocket frame in either direction.
//
// Client frames that expect an acknowledgement set AckID to a non-zero
// value chosen by the client; the server answers with an EventAck envelope
// carrying the same AckID and an Ack payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID int64           `json:"ack_id,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for the given event.
// Marshal failures are programming errors (all payload types in this
// package marshal cleanly), so they surface as an error for the handler
// to log rather than a panic.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// =============================================================================
// Client -> Server
// =============================================================================

// ChatMessageRequest is the payload of a client EventChatMessage frame.
type ChatMessageRequest struct {
	UserMessage string `json:"userMessage" validate:"required,maxbytes"`
}

// Validate checks the request against the registered rules.
func (r *ChatMessageRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Server -> Client
// =============================================================================

// Ack status values. Status is the only field a caller may branch on;
// Error is a human-readable message, not a machine code.
const (
	AckStatusOK    = 1
	AckStatusError = -1
)

// Ack answers a client frame that carried an AckID. On success Sanitize
// echoes the message as the server sanitized it (the widget renders its
// own optimistic echo and can reconcile against this).
type Ack struct {
	Status   int    `json:"status"`
	Sanitize string `json:"sanitize,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Bot activity states for EventBotStatus frames.
const (
	BotStatusTyping = "typing"
	BotStatusIdle   = "idle"
)

// BotStatus brackets every generation attempt: typing before the upstream
// call, idle after, on both success and error paths.
type BotStatus struct {
	Status string `json:"status"`
}

// SetCookie instructs the client to persist its session identifier. Issued
// once, the first time a connection arrives without a recognized session.
type SetCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides the business logic of the chatbot service.
//
// The central type is Pipeline, which carries one user message through
// sanitization, admission, retrieval, generation and persistence, and fans
// the resulting turns out to every connection of the session. Handlers own
// the websocket protocol; the Pipeline owns everything between a decoded
// message and its bot reply.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chatbot/conversation"
	"github.com/AleutianAI/AleutianChat/services/chatbot/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatbot/knowledge"
	"github.com/AleutianAI/AleutianChat/services/chatbot/observability"
	"github.com/AleutianAI/AleutianChat/services/chatbot/prompt"
	"github.com/AleutianAI/AleutianChat/services/chatbot/session"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

var (
	// ErrBusy means a message for this session is already in flight. The
	// new message is rejected, never queued.
	ErrBusy = errors.New("previous message still being processed")

	// ErrInvalidMessage means the message was empty after sanitization.
	ErrInvalidMessage = errors.New("invalid message")
)

// Retriever finds knowledge entries relevant to a query. Implemented by
// knowledge.Index.
type Retriever interface {
	Search(ctx context.Context, query string, threshold float64, limit int) ([]datatypes.SearchResult, error)
}

// Config holds the tunable parameters of the pipeline.
type Config struct {
	// Threshold is the minimum cosine similarity for retrieval hits.
	Threshold float64

	// Limit caps the number of retrieval hits per turn.
	Limit int

	// GenerateTimeout bounds one model call. The fallback answer is sent
	// when the model does not reply in time.
	GenerateTimeout time.Duration

	// Params are passed through to the model on every call.
	Params llm.GenerationParams
}

// Pipeline executes message turns. Safe for concurrent use across
// sessions; per-session serialization is enforced by the admission guard.
type Pipeline struct {
	retriever Retriever
	generator llm.Client
	log       *conversation.FileLog
	builder   *prompt.Builder
	persona   prompt.Persona
	cfg       Config
	metrics   *observability.ChatMetrics
	logger    *slog.Logger
}

// NewPipeline wires a Pipeline. metrics may be nil (no-op); logger may be
// nil (slog default).
func NewPipeline(retriever Retriever, generator llm.Client, log *conversation.FileLog, persona prompt.Persona, cfg Config, metrics *observability.ChatMetrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		retriever: retriever,
		generator: generator,
		log:       log,
		builder:   prompt.NewBuilder(persona),
		persona:   persona,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// HandleMessage runs one full turn for sess.
//
// The sanitized message is returned for the caller's acknowledgement. A
// nil error means a bot turn was delivered, which includes the fallback
// answer on generation failure; ErrBusy and ErrInvalidMessage mean the
// message was rejected before any state changed.
//
// The user's turn is mirrored to the session's other connections (the
// originating tab renders its own echo); the bot turn goes to every
// connection, the sender included.
func (p *Pipeline) HandleMessage(ctx context.Context, sess *session.Session, from session.Sender, rawMessage string) (string, error) {
	sanitized := prompt.Sanitize(rawMessage)
	if sanitized == "" {
		return "", ErrInvalidMessage
	}

	if !sess.BeginProcessing() {
		p.metrics.RecordTurn(observability.TurnStatusRejected)
		return "", ErrBusy
	}
	// Registered in this order so the guard is released before the idle
	// status goes out; a client that sends again the moment it sees idle
	// must not be rejected.
	defer p.sendStatus(sess, datatypes.BotStatusIdle)
	defer sess.EndProcessing()

	logger := p.logger.With("session_id", sess.ID())

	userTurn := datatypes.NewTurn(datatypes.SenderUser, sanitized)
	if err := p.log.Append(sess.ID(), userTurn); err != nil {
		return "", fmt.Errorf("persisting user turn: %w", err)
	}
	p.broadcastTurn(sess, from, userTurn)

	p.sendStatus(sess, datatypes.BotStatusTyping)

	var botTurn datatypes.ConversationTurn
	var clean cleanResult
	retrieved, err := p.retrieve(ctx, logger, sanitized)
	if err != nil {
		// The embedding backend is down. The model backend is usually the
		// same process, so answer with the fallback instead of burning the
		// generate timeout.
		botTurn = datatypes.NewTurn(datatypes.SenderBot, p.persona.FallbackAnswer)
	} else {
		botTurn, clean = p.generate(ctx, logger, sess, sanitized, retrieved)
	}

	if err := p.log.Append(sess.ID(), botTurn); err != nil {
		logger.Error("persisting bot turn", "error", err)
	}
	if clean.ok {
		mem := datatypes.ConversationMemory{
			PreviousTopic: clean.parsed.PreviousTopic,
			Summary:       clean.parsed.Summary,
		}
		sess.SetMemory(mem)
		if err := p.log.SaveMemory(sess.ID(), mem); err != nil {
			logger.Error("persisting memory snapshot", "error", err)
		}
		p.metrics.RecordTurn(observability.TurnStatusOK)
	} else {
		p.metrics.RecordTurn(observability.TurnStatusFallback)
	}

	p.broadcastTurn(sess, nil, botTurn)
	return sanitized, nil
}

// cleanResult carries the parsed response for turns where generation
// succeeded end to end.
type cleanResult struct {
	ok     bool
	parsed prompt.ParsedResponse
}

// retrieve looks up knowledge for the message. A dimension mismatch
// (index rebuilt against a different embedding model mid-flight) degrades
// to an unassisted prompt; any other failure means the embedding backend
// is unreachable and is returned to the caller.
func (p *Pipeline) retrieve(ctx context.Context, logger *slog.Logger, message string) ([]datatypes.SearchResult, error) {
	results, err := p.retriever.Search(ctx, message, p.cfg.Threshold, p.cfg.Limit)
	if err != nil {
		p.metrics.RecordGenerationFailure(observability.FailureRetrieval)
		if errors.Is(err, knowledge.ErrVectorMismatch) {
			logger.Warn("retrieval degraded, embedding dimensions changed", "error", err)
			return nil, nil
		}
		logger.Error("retrieval failed", "error", err)
		return nil, err
	}
	return results, nil
}

// generate calls the model and parses its reply. Always returns a bot
// turn; on any failure it carries the persona's fallback answer and
// clean.ok is false so the caller skips the memory update.
func (p *Pipeline) generate(ctx context.Context, logger *slog.Logger, sess *session.Session, message string, retrieved []datatypes.SearchResult) (datatypes.ConversationTurn, cleanResult) {
	fullPrompt := p.builder.Build(message, sess.Memory(), retrieved)

	genCtx := ctx
	if p.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, p.cfg.GenerateTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := p.generator.Generate(genCtx, fullPrompt, p.cfg.Params)
	if err != nil {
		reason := observability.FailureLLM
		if errors.Is(err, context.DeadlineExceeded) {
			reason = observability.FailureTimeout
		}
		logger.Error("generation failed", "reason", reason, "error", err)
		p.metrics.RecordGenerationFailure(reason)
		return datatypes.NewTurn(datatypes.SenderBot, p.persona.FallbackAnswer), cleanResult{}
	}

	parsed := prompt.Parse(reply)
	if parsed.Message == "" {
		logger.Error("model reply missing answer markers")
		p.metrics.RecordGenerationFailure(observability.FailureParse)
		return datatypes.NewTurn(datatypes.SenderBot, p.persona.FallbackAnswer), cleanResult{}
	}

	p.metrics.RecordGeneration(time.Since(start).Seconds())
	return datatypes.NewTurn(datatypes.SenderBot, parsed.Message), cleanResult{ok: true, parsed: parsed}
}

func (p *Pipeline) broadcastTurn(sess *session.Session, skip session.Sender, turn datatypes.ConversationTurn) {
	env, err := datatypes.NewEnvelope(datatypes.EventChatMessage, turn)
	if err != nil {
		p.logger.Error("encoding chat message", "error", err)
		return
	}
	if skip != nil {
		err = sess.BroadcastOthers(skip, env)
	} else {
		err = sess.Broadcast(env)
	}
	if err != nil {
		p.logger.Warn("broadcasting chat message", "session_id", sess.ID(), "error", err)
	}
}

func (p *Pipeline) sendStatus(sess *session.Session, status string) {
	env, err := datatypes.NewEnvelope(datatypes.EventBotStatus, datatypes.BotStatus{Status: status})
	if err != nil {
		p.logger.Error("encoding bot status", "error", err)
		return
	}
	if err := sess.Broadcast(env); err != nil {
		p.logger.Warn("broadcasting bot status", "session_id", sess.ID(), "error", err)
	}
}

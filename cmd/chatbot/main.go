// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatbot starts the AleutianChat conversational HTTP server.
//
// Configuration comes from environment variables.
//
// # Environment Variables
//
//   - CHATBOT_PORT: HTTP server port (default: 12250)
//   - CHATBOT_DATA_DIR: conversation and session storage (default: ./database)
//   - CHATBOT_KNOWLEDGE_PATH: knowledge CSV (default: ./database/knowledge.csv)
//   - CHATBOT_WATCH_KNOWLEDGE: hot-reload the CSV on change (default: true)
//   - CHATBOT_PERSONA_PATH: optional persona YAML override
//   - CHATBOT_LLM_BACKEND: ollama or openai (default: ollama)
//   - OLLAMA_SERVICE_URL, OLLAMA_MODEL, OLLAMA_EMBEDDING_MODEL
//   - OPENAI_API_KEY, OPENAI_MODEL, OPENAI_EMBEDDING_MODEL
//   - CHATBOT_RAG_THRESHOLD: retrieval similarity cutoff (default: 0.5)
//   - CHATBOT_RAG_LIMIT: retrieval hits per turn (default: 3)
//   - CHATBOT_GENERATE_TIMEOUT: model call budget (default: 60s)
//   - CHATBOT_LOG_LEVEL: debug, info, warn or error (default: info)
//   - CHATBOT_LOG_DIR: also write logs to a dated file in this directory
//
// # Usage
//
//	# Build
//	go build -o chatbot ./cmd/chatbot
//
//	# Run
//	./chatbot
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/chatbot"
)

func main() {
	// Setup structured logging
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("CHATBOT_LOG_LEVEL")),
		LogDir:  os.Getenv("CHATBOT_LOG_DIR"),
		Service: "chatbot",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg, err := chatbot.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	slog.Info("Starting chatbot",
		"port", cfg.Port,
		"llm_backend", cfg.Backend,
		"knowledge_path", cfg.KnowledgePath,
	)

	svc, err := chatbot.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create chatbot: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Run the server (blocks until shutdown)
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("Chatbot error: %v", err)
	}
}

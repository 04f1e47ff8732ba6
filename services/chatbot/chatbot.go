// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatbot wires the conversational service together: knowledge
// index, conversation log, session store, generation pipeline, HTTP
// routing and the knowledge file watcher.
//
// # Usage
//
//	cfg, err := chatbot.LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := chatbot.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianChat/services/chatbot/conversation"
	"github.com/AleutianAI/AleutianChat/services/chatbot/knowledge"
	"github.com/AleutianAI/AleutianChat/services/chatbot/observability"
	"github.com/AleutianAI/AleutianChat/services/chatbot/prompt"
	"github.com/AleutianAI/AleutianChat/services/chatbot/routes"
	"github.com/AleutianAI/AleutianChat/services/chatbot/services"
	"github.com/AleutianAI/AleutianChat/services/chatbot/session"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// =============================================================================
// Configuration
// =============================================================================

// Config is the full service configuration, populated from the
// environment by LoadConfig.
type Config struct {
	Port    int    `env:"CHATBOT_PORT" envDefault:"12250"`
	DataDir string `env:"CHATBOT_DATA_DIR" envDefault:"./database"`

	// KnowledgePath is the CSV the index boots from and, when
	// WatchKnowledge is set, hot-reloads on change.
	KnowledgePath  string `env:"CHATBOT_KNOWLEDGE_PATH" envDefault:"./database/knowledge.csv"`
	WatchKnowledge bool   `env:"CHATBOT_WATCH_KNOWLEDGE" envDefault:"true"`

	// PersonaPath optionally overrides the built-in persona.
	PersonaPath string `env:"CHATBOT_PERSONA_PATH"`

	// Backend selects the model provider: "ollama" or "openai".
	Backend string `env:"CHATBOT_LLM_BACKEND" envDefault:"ollama"`

	OllamaURL            string `env:"OLLAMA_SERVICE_URL" envDefault:"http://localhost:11434"`
	OllamaModel          string `env:"OLLAMA_MODEL" envDefault:"llama3.1"`
	OllamaEmbeddingModel string `env:"OLLAMA_EMBEDDING_MODEL" envDefault:"nomic-embed-text"`

	OpenAIKey            string `env:"OPENAI_API_KEY"`
	OpenAIModel          string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIEmbeddingModel string `env:"OPENAI_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`

	RAGThreshold    float64       `env:"CHATBOT_RAG_THRESHOLD" envDefault:"0.5"`
	RAGLimit        int           `env:"CHATBOT_RAG_LIMIT" envDefault:"3"`
	GenerateTimeout time.Duration `env:"CHATBOT_GENERATE_TIMEOUT" envDefault:"60s"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.RAGLimit < 1 {
		return Config{}, fmt.Errorf("CHATBOT_RAG_LIMIT must be at least 1, got %d", cfg.RAGLimit)
	}
	if cfg.RAGThreshold < -1 || cfg.RAGThreshold > 1 {
		return Config{}, fmt.Errorf("CHATBOT_RAG_THRESHOLD must be in [-1, 1], got %g", cfg.RAGThreshold)
	}
	return cfg, nil
}

// =============================================================================
// Service
// =============================================================================

// Service is the chatbot lifecycle contract. Run blocks until ctx is
// cancelled or the HTTP server fails.
type Service interface {
	Run(ctx context.Context) error

	// Router exposes the configured Gin engine for integration tests.
	Router() *gin.Engine
}

type chatbotService struct {
	cfg     Config
	router  *gin.Engine
	index   *knowledge.Index
	metrics *observability.ChatMetrics
}

// New builds a fully wired service. The initial knowledge load is part of
// construction: a service that cannot retrieve anything should fail at
// boot, not at the first user message.
func New(cfg Config) (Service, error) {
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	persona := prompt.DefaultPersona()
	if cfg.PersonaPath != "" {
		persona, err = prompt.LoadPersona(cfg.PersonaPath)
		if err != nil {
			return nil, err
		}
	}

	convLog, err := conversation.NewFileLog(cfg.DataDir, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("opening conversation log: %w", err)
	}

	metrics := observability.InitMetrics()

	index := knowledge.NewIndex(backend, slog.Default())
	n, err := index.LoadFile(context.Background(), cfg.KnowledgePath)
	if err != nil {
		return nil, fmt.Errorf("loading knowledge base: %w", err)
	}
	metrics.RecordReload(n, nil)
	slog.Info("knowledge base loaded", "path", cfg.KnowledgePath, "entries", n)

	store := session.NewStore(convLog, slog.Default())
	pipeline := services.NewPipeline(index, backend, convLog, persona, services.Config{
		Threshold:       cfg.RAGThreshold,
		Limit:           cfg.RAGLimit,
		GenerateTimeout: cfg.GenerateTimeout,
	}, metrics, slog.Default())

	router := gin.Default()
	routes.SetupRoutes(router, store, pipeline, index, convLog, metrics)

	return &chatbotService{
		cfg:     cfg,
		router:  router,
		index:   index,
		metrics: metrics,
	}, nil
}

func (s *chatbotService) Router() *gin.Engine { return s.router }

// Run starts the HTTP server and, when configured, the knowledge file
// watcher. It returns once ctx is cancelled and the server is drained, or
// when either component fails.
func (s *chatbotService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.router,
	}

	g.Go(func() error {
		slog.Info("chatbot service listening", "port", s.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if s.cfg.WatchKnowledge {
		g.Go(func() error {
			return s.watchKnowledge(ctx)
		})
	}

	return g.Wait()
}

// backendClient is the combined surface the service needs from a model
// provider.
type backendClient interface {
	llm.Client
	llm.Embedder
}

func newBackend(cfg Config) (backendClient, error) {
	switch cfg.Backend {
	case "ollama":
		return llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:        cfg.OllamaURL,
			Model:          cfg.OllamaModel,
			EmbeddingModel: cfg.OllamaEmbeddingModel,
		})
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:         cfg.OpenAIKey,
			Model:          cfg.OpenAIModel,
			EmbeddingModel: cfg.OpenAIEmbeddingModel,
		})
	default:
		return nil, fmt.Errorf("unknown LLM backend %q (want ollama or openai)", cfg.Backend)
	}
}

// watchKnowledge hot-reloads the index when the knowledge CSV changes.
// Reload failures keep the previous index serving; the watcher itself
// only stops with the context.
func (s *chatbotService) watchKnowledge(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting knowledge watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.cfg.KnowledgePath); err != nil {
		return fmt.Errorf("watching %s: %w", s.cfg.KnowledgePath, err)
	}
	slog.Info("watching knowledge base for changes", "path", s.cfg.KnowledgePath)

	// Editors fire bursts of writes per save; debounce before reloading.
	const settle = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
				timerC = timer.C
			} else {
				timer.Reset(settle)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			n, err := s.index.LoadFile(ctx, s.cfg.KnowledgePath)
			s.metrics.RecordReload(n, err)
			if err != nil {
				slog.Error("knowledge reload failed, keeping previous index", "error", err)
				continue
			}
			slog.Info("knowledge base reloaded", "entries", n)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("knowledge watcher error", "error", err)
		}
	}
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OllamaConfig carries the Ollama connection settings.
type OllamaConfig struct {
	BaseURL        string // e.g. "http://localhost:11434"
	Model          string // e.g. "llama3.1"
	EmbeddingModel string // e.g. "nomic-embed-text"
	SystemPrompt   string
}

type OllamaClient struct {
	httpClient     *http.Client
	baseURL        string
	model          string
	embeddingModel string
	systemPrompt   string
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   ollamaChatMessage `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("Ollama base URL not set")
	}
	if cfg.Model == "" {
		slog.Warn("Ollama model not set, defaulting to llama3.1")
		cfg.Model = "llama3.1"
	}
	if cfg.EmbeddingModel == "" {
		slog.Warn("Ollama embedding model not set, defaulting to nomic-embed-text")
		cfg.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a helpful assistant."
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama client",
		"base_url", baseURL, "model", cfg.Model, "embedding_model", cfg.EmbeddingModel)
	return &OllamaClient{
		httpClient:     &http.Client{Timeout: 5 * time.Minute},
		baseURL:        baseURL,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		systemPrompt:   cfg.SystemPrompt,
	}, nil
}

// Generate implements the Client interface
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via Ollama", "model", o.model)
	reqBody := ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaChatMessage{
			{Role: "system", Content: o.systemPrompt},
			{Role: "user", Content: prompt},
		},
		Stream:  false,
		Options: map[string]any{},
	}
	if params.Temperature != nil {
		reqBody.Options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		reqBody.Options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		reqBody.Options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		reqBody.Options["stop"] = params.Stop
	}

	var resp ollamaChatResponse
	if err := o.post(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", err
	}
	if resp.Message.Content == "" {
		slog.Warn("Ollama returned empty content")
		return "", fmt.Errorf("Ollama returned empty content")
	}
	return resp.Message.Content, nil
}

// Embed implements the Embedder interface
func (o *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp ollamaEmbeddingResponse
	err := o.post(ctx, "/api/embeddings", ollamaEmbeddingRequest{Model: o.embeddingModel, Prompt: text}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("Ollama returned empty embedding")
	}
	return resp.Embedding, nil
}

// EmbedBatch implements the Embedder interface. The Ollama embeddings API is
// single-prompt, so the batch is sequential requests; any failure aborts the
// whole batch to preserve the all-or-nothing contract.
func (o *OllamaClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for i, text := range texts {
		v, err := o.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding input %d: %w", i, err)
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}

func (o *OllamaClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling Ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building Ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "path", path, "error", err)
		return fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("Ollama API returned error", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("Ollama API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding Ollama response: %w", err)
	}
	return nil
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stacklok/toolmux/pkg/logger"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "nomic-embed-text"

	// ollamaDimension matches nomic-embed-text output.
	ollamaDimension = 768
)

// OllamaBackend embeds text through a locally running Ollama instance.
type OllamaBackend struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllamaBackend probes the Ollama endpoint and returns a backend bound
// to it. An unreachable endpoint is an error so the caller can fall back.
func NewOllamaBackend(ctx context.Context, baseURL, model string) (*OllamaBackend, error) {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if model == "" {
		model = defaultOllamaModel
	}

	backend := &OllamaBackend{
		baseURL:   baseURL,
		model:     model,
		dimension: ollamaDimension,
		client:    &http.Client{},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := backend.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ollama at %s (is 'ollama serve' running?): %w", baseURL, err)
	}
	_ = resp.Body.Close()

	logger.Infof("Connected to ollama embedding service at %s (model %s)", baseURL, model)
	return backend, nil
}

// Embed generates one embedding via the Ollama native API.
func (o *OllamaBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(payload))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	vector := make([]float32, len(embedResp.Embedding))
	for i, v := range embedResp.Embedding {
		vector[i] = float32(v)
	}
	return vector, nil
}

// EmbedBatch embeds texts one by one; the native API has no batch call.
func (o *OllamaBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := o.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// Dimension returns the embedding dimension.
func (o *OllamaBackend) Dimension() int {
	return o.dimension
}

// Close is a no-op; the HTTP client needs no cleanup.
func (*OllamaBackend) Close() error {
	return nil
}

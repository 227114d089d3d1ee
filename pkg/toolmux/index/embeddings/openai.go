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

// OpenAICompatibleBackend embeds text through any service implementing the
// OpenAI /v1/embeddings API, which covers OpenAI itself, vLLM and Ollama's
// compatibility endpoint.
type OpenAICompatibleBackend struct {
	baseURL   string
	model     string
	apiKey    string
	dimension int
	client    *http.Client
}

type openaiEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// NewOpenAICompatibleBackend validates the configuration, probes the
// endpoint and returns a backend bound to it.
func NewOpenAICompatibleBackend(ctx context.Context, baseURL, model, apiKey string, dimension int) (*OpenAICompatibleBackend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required for the openai backend")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required for the openai backend")
	}
	if dimension == 0 {
		dimension = defaultDimension
	}

	backend := &OpenAICompatibleBackend{
		baseURL:   baseURL,
		model:     model,
		apiKey:    apiKey,
		dimension: dimension,
		client:    &http.Client{},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := backend.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", baseURL, err)
	}
	_ = resp.Body.Close()

	logger.Infof("Connected to openai-compatible embedding service at %s (model %s)", baseURL, model)
	return backend, nil
}

// Embed generates one embedding via the /v1/embeddings endpoint.
func (o *OpenAICompatibleBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(openaiEmbedRequest{Model: o.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embeddings API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings API returned status %d: %s", resp.StatusCode, string(payload))
	}

	var embedResp openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(embedResp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings in response")
	}

	return embedResp.Data[0].Embedding, nil
}

// EmbedBatch embeds texts one request at a time.
func (o *OpenAICompatibleBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

// Dimension returns the configured embedding dimension.
func (o *OpenAICompatibleBackend) Dimension() int {
	return o.dimension
}

// Close is a no-op; the HTTP client needs no cleanup.
func (*OpenAICompatibleBackend) Close() error {
	return nil
}

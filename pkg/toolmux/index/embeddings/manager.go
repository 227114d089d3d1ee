// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package embeddings turns text into fixed-length normalized vectors for
// the semantic index.
//
// Three backends are supported: the Ollama native API, any OpenAI-compatible
// API, and a deterministic hash-based placeholder that needs no external
// service. The manager wraps the configured backend with a text-keyed cache
// and degrades to the placeholder when the remote backend is unavailable,
// so indexing never blocks startup.
package embeddings

import (
	"context"
	"fmt"
	"math"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux"
	"github.com/stacklok/toolmux/pkg/toolmux/config"
)

const (
	// defaultDimension is used when the configuration does not set one.
	defaultDimension = 384

	// maxCacheSize bounds the text-to-vector cache.
	maxCacheSize = 1000
)

// Backend generates embeddings for text.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Close() error
}

// Manager wraps the configured backend with caching and placeholder
// fallback. Identical input text is embedded at most once across repeated
// indexing passes.
type Manager struct {
	backendType string
	backend     Backend
	fallback    *PlaceholderBackend
	cache       *cache
}

// NewManager builds the backend selected by cfg. A remote backend that
// cannot be reached at construction time is replaced by the placeholder,
// with a warning, rather than failing startup.
func NewManager(ctx context.Context, cfg config.EmbeddingConfig) (*Manager, error) {
	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = defaultDimension
	}

	var backend Backend
	switch cfg.Backend {
	case config.EmbeddingBackendOllama:
		b, err := NewOllamaBackend(ctx, cfg.BaseURL, cfg.Model)
		if err != nil {
			logger.Warnf("Failed to initialize ollama embedding backend: %v", err)
			logger.Info("Falling back to placeholder embeddings; run 'ollama serve' and pull the model to enable ollama")
			backend = &PlaceholderBackend{dimension: dimension}
		} else {
			backend = b
		}

	case config.EmbeddingBackendOpenAI:
		b, err := NewOpenAICompatibleBackend(ctx, cfg.BaseURL, cfg.Model, cfg.APIKey, dimension)
		if err != nil {
			logger.Warnf("Failed to initialize openai embedding backend: %v", err)
			logger.Info("Falling back to placeholder embeddings")
			backend = &PlaceholderBackend{dimension: dimension}
		} else {
			backend = b
		}

	case config.EmbeddingBackendPlaceholder, "":
		backend = &PlaceholderBackend{dimension: dimension}

	default:
		return nil, fmt.Errorf("%w: unknown embedding backend %q", toolmux.ErrInvalidConfig, cfg.Backend)
	}

	return &Manager{
		backendType: cfg.Backend,
		backend:     backend,
		fallback:    &PlaceholderBackend{dimension: backend.Dimension()},
		cache:       newCache(maxCacheSize),
	}, nil
}

// NewManagerWithBackend wraps an already constructed backend with the
// manager's caching and fallback behavior.
func NewManagerWithBackend(backend Backend) *Manager {
	return &Manager{
		backendType: "custom",
		backend:     backend,
		fallback:    &PlaceholderBackend{dimension: backend.Dimension()},
		cache:       newCache(maxCacheSize),
	}
}

// Embed returns the vector for one text, serving repeats from the cache.
// When a remote backend fails mid-run the placeholder takes over for the
// failing call so callers always get a vector.
func (m *Manager) Embed(ctx context.Context, text string) ([]float32, error) {
	if vector, ok := m.cache.get(text); ok {
		return vector, nil
	}

	vector, err := m.backend.Embed(ctx, text)
	if err != nil {
		if m.backendType == config.EmbeddingBackendPlaceholder || m.backendType == "" {
			return nil, fmt.Errorf("failed to generate embedding: %w", err)
		}
		logger.Warnf("%s embedding backend failed, using placeholder for this text: %v", m.backendType, err)
		vector, err = m.fallback.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to generate embedding: %w", err)
		}
	}

	m.cache.put(text, vector)
	return vector, nil
}

// EmbedBatch embeds several texts, reusing the cache per text.
func (m *Manager) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := m.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// Dimension returns the active backend's vector length.
func (m *Manager) Dimension() int {
	return m.backend.Dimension()
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// PlaceholderBackend produces deterministic hash-derived vectors. Useful
// for tests and offline runs; it carries no semantic signal.
type PlaceholderBackend struct {
	dimension int
}

// NewPlaceholderBackend creates a placeholder backend with the given
// vector length.
func NewPlaceholderBackend(dimension int) *PlaceholderBackend {
	if dimension == 0 {
		dimension = defaultDimension
	}
	return &PlaceholderBackend{dimension: dimension}
}

// Embed generates a deterministic vector for the text.
func (p *PlaceholderBackend) Embed(_ context.Context, text string) ([]float32, error) {
	return p.generate(text), nil
}

// EmbedBatch generates vectors for several texts.
func (p *PlaceholderBackend) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.generate(text)
	}
	return vectors, nil
}

// Dimension returns the vector length.
func (p *PlaceholderBackend) Dimension() int {
	return p.dimension
}

// Close is a no-op.
func (*PlaceholderBackend) Close() error {
	return nil
}

func (p *PlaceholderBackend) generate(text string) []float32 {
	vector := make([]float32, p.dimension)

	hash := 0
	for _, c := range text {
		hash = (hash*31 + int(c)) % 1000000
	}
	for i := range vector {
		hash = (hash*1103515245 + 12345) % 1000000
		vector[i] = float32(hash) / 1000000.0
	}

	// L2-normalize so cosine similarity reduces to a dot product.
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum > 0 {
		scale := float32(1.0 / math.Sqrt(sum))
		for i := range vector {
			vector[i] *= scale
		}
	}

	return vector
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolmux/pkg/toolmux"
	"github.com/stacklok/toolmux/pkg/toolmux/config"
)

// wordOverlapBackend embeds text as a normalized bag-of-words vector, so
// cosine similarity tracks shared vocabulary. Deterministic and offline,
// unlike a real model, but ranking-faithful for overlapping phrases.
type wordOverlapBackend struct{ dim int }

func (w *wordOverlapBackend) Embed(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, w.dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,:;!?")
		if word == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vector[int(h.Sum32())%w.dim]++
	}

	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum > 0 {
		scale := float32(1 / math.Sqrt(sum))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector, nil
}

func (w *wordOverlapBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := w.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (w *wordOverlapBackend) Dimension() int { return w.dim }
func (*wordOverlapBackend) Close() error     { return nil }

func newTestIndex(t *testing.T) *SemanticIndex {
	t.Helper()
	idx := New(config.IndexConfig{}, WithEmbeddingBackend(&wordOverlapBackend{dim: 512}))
	require.NoError(t, idx.Initialize(t.Context()))
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func tool(server, rawName, description string) toolmux.ToolDescriptor {
	return toolmux.ToolDescriptor{
		ServerName:  server,
		RawName:     rawName,
		DisplayName: toolmux.SanitizeToolName(rawName),
		Description: description,
	}
}

func serversFixture() map[string]*toolmux.ServerInfo {
	return map[string]*toolmux.ServerInfo{
		"slack": {Name: "slack", Tools: []toolmux.ToolDescriptor{
			tool("slack", "send-message", "Send a message to a channel"),
			tool("slack", "send-email", "Send an email to someone"),
		}},
		"crypto": {Name: "crypto", Tools: []toolmux.ToolDescriptor{
			tool("crypto", "compute-hash", "Compute the SHA-256 digest of input text"),
		}},
	}
}

func resultPaths(results []SearchResult) []string {
	paths := make([]string, len(results))
	for i, r := range results {
		paths[i] = r.FullPath
	}
	return paths
}

func TestSearchBeforeInitialize(t *testing.T) {
	t.Parallel()
	idx := New(config.IndexConfig{})

	_, err := idx.Search(t.Context(), "anything", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, toolmux.ErrIndexNotInitialized)

	err = idx.IndexTools(t.Context(), serversFixture())
	assert.ErrorIs(t, err, toolmux.ErrIndexNotInitialized)

	err = idx.ReindexServer(t.Context(), "slack", nil)
	assert.ErrorIs(t, err, toolmux.ErrIndexNotInitialized)
}

func TestInitializeIsIdempotent(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	require.NoError(t, idx.Initialize(t.Context()))
	assert.Equal(t, 0, idx.GetStats().TotalTools)
}

func TestSearchRanksByRelevance(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	require.NoError(t, idx.IndexTools(t.Context(), serversFixture()))
	assert.Equal(t, 3, idx.GetStats().TotalTools)

	results, err := idx.Search(t.Context(), "send a message", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Both hits are the message-related tools; the hash tool ranks below.
	assert.Equal(t, "slack/send_message", results[0].FullPath)
	assert.Equal(t, "send-message", results[0].ToolName)
	assert.Equal(t, "slack", results[0].ServerName)
	assert.Equal(t, "slack/send_email", results[1].FullPath)
	require.NotNil(t, results[0].Tool)

	assert.GreaterOrEqual(t, results[0].Score, results[1].Score, "scores must descend")
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, float32(0))
		assert.LessOrEqual(t, r.Score, float32(1))
	}
}

func TestSearchClampsLimitToIndexSize(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	require.NoError(t, idx.IndexTools(t.Context(), serversFixture()))

	results, err := idx.Search(t.Context(), "send", 50)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearchDefaultLimit(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	servers := map[string]*toolmux.ServerInfo{
		"files": {Name: "files", Tools: []toolmux.ToolDescriptor{
			tool("files", "read-file", "Read a file from disk"),
			tool("files", "write-file", "Write a file to disk"),
			tool("files", "list-files", "List files in a directory"),
			tool("files", "move-file", "Move a file between directories"),
			tool("files", "copy-file", "Copy a file"),
			tool("files", "delete-file", "Delete a file"),
		}},
	}
	require.NoError(t, idx.IndexTools(t.Context(), servers))

	results, err := idx.Search(t.Context(), "file", 0)
	require.NoError(t, err)
	assert.Len(t, results, defaultSearchLimit)
}

func TestSearchEmptyIndex(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)

	results, err := idx.Search(t.Context(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIndexToolsRebuildsWholesale(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	require.NoError(t, idx.IndexTools(t.Context(), serversFixture()))
	require.Equal(t, 3, idx.GetStats().TotalTools)

	cryptoOnly := map[string]*toolmux.ServerInfo{
		"crypto": {Name: "crypto", Tools: []toolmux.ToolDescriptor{
			tool("crypto", "compute-hash", "Compute the SHA-256 digest of input text"),
		}},
	}
	require.NoError(t, idx.IndexTools(t.Context(), cryptoOnly))

	assert.Equal(t, 1, idx.GetStats().TotalTools)
	results, err := idx.Search(t.Context(), "send a message", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "crypto/compute_hash", results[0].FullPath)
}

func TestReindexServerReplacesOnlyThatServer(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	require.NoError(t, idx.IndexTools(t.Context(), serversFixture()))

	updated := &toolmux.ServerInfo{Name: "slack", Tools: []toolmux.ToolDescriptor{
		tool("slack", "post-update", "Post a status update"),
	}}
	require.NoError(t, idx.ReindexServer(t.Context(), "slack", updated))

	assert.Equal(t, 2, idx.GetStats().TotalTools)

	results, err := idx.Search(t.Context(), "post a status update", 5)
	require.NoError(t, err)
	paths := resultPaths(results)
	assert.Contains(t, paths, "slack/post_update")
	assert.Contains(t, paths, "crypto/compute_hash", "other servers' entries survive")
	assert.NotContains(t, paths, "slack/send_message")
	assert.NotContains(t, paths, "slack/send_email")
}

func TestReindexServerRemoval(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	require.NoError(t, idx.IndexTools(t.Context(), serversFixture()))

	require.NoError(t, idx.ReindexServer(t.Context(), "crypto", nil))

	assert.Equal(t, 2, idx.GetStats().TotalTools)
	results, err := idx.Search(t.Context(), "compute a digest", 5)
	require.NoError(t, err)
	assert.NotContains(t, resultPaths(results), "crypto/compute_hash")
}

func TestPersistentIndexWritesToDisk(t *testing.T) {
	t.Parallel()
	persistPath := filepath.Join(t.TempDir(), "vectors")
	idx := New(
		config.IndexConfig{PersistPath: persistPath},
		WithEmbeddingBackend(&wordOverlapBackend{dim: 64}),
	)
	require.NoError(t, idx.Initialize(t.Context()))
	t.Cleanup(func() { _ = idx.Close() })

	require.NoError(t, idx.IndexTools(t.Context(), serversFixture()))

	entries, err := os.ReadDir(persistPath)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "persistent index should write collection data")
}

func TestSearchAfterClose(t *testing.T) {
	t.Parallel()
	idx := New(config.IndexConfig{}, WithEmbeddingBackend(&wordOverlapBackend{dim: 64}))
	require.NoError(t, idx.Initialize(t.Context()))
	require.NoError(t, idx.Close())

	_, err := idx.Search(t.Context(), "anything", 1)
	assert.ErrorIs(t, err, toolmux.ErrIndexNotInitialized)
}

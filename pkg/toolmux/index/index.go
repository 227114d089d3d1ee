// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package index provides semantic search over the aggregated tool set.
//
// Tool descriptions are embedded into a chromem-go vector collection;
// queries are embedded with the same function and answered by cosine
// similarity, which reduces to a dot product because all vectors are
// normalized. The index is a derived view of the registry: it is rebuilt
// wholesale at startup and per server on refresh.
package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux"
	"github.com/stacklok/toolmux/pkg/toolmux/config"
	"github.com/stacklok/toolmux/pkg/toolmux/index/embeddings"
)

const (
	toolCollection = "tools"

	// defaultSearchLimit applies when a caller passes a non-positive topK.
	defaultSearchLimit = 5
)

// SearchResult is one semantic search hit, ranked by descending score.
type SearchResult struct {
	ServerName  string  `json:"server_name"`
	ToolName    string  `json:"tool_name"`
	Description string  `json:"description"`
	Score       float32 `json:"score"`
	FullPath    string  `json:"full_path"`

	// Tool is the live descriptor behind the hit, for callers that need
	// schemas. It is not part of the serialized result.
	Tool *toolmux.ToolDescriptor `json:"-"`
}

// Stats summarizes the index contents.
type Stats struct {
	TotalTools int `json:"total_tools"`
}

// SemanticIndex embeds tool descriptions and answers nearest-neighbor
// queries over them.
type SemanticIndex struct {
	mu          sync.RWMutex
	cfg         config.IndexConfig
	backend     embeddings.Backend
	manager     *embeddings.Manager
	db          *chromem.DB
	collection  *chromem.Collection
	descriptors map[string]*toolmux.ToolDescriptor
	initialized bool
}

// Option configures a SemanticIndex.
type Option func(*SemanticIndex)

// WithEmbeddingBackend overrides the backend the configuration would
// select. The index still wraps it with caching.
func WithEmbeddingBackend(backend embeddings.Backend) Option {
	return func(s *SemanticIndex) {
		s.backend = backend
	}
}

// New creates an index. No resources are acquired until Initialize.
func New(cfg config.IndexConfig, opts ...Option) *SemanticIndex {
	s := &SemanticIndex{
		cfg:         cfg,
		descriptors: make(map[string]*toolmux.ToolDescriptor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize builds the embedding function and prepares the vector
// collection. Calling it again is a no-op.
func (s *SemanticIndex) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	var manager *embeddings.Manager
	if s.backend != nil {
		manager = embeddings.NewManagerWithBackend(s.backend)
	} else {
		var err error
		manager, err = embeddings.NewManager(ctx, s.cfg.Embedding)
		if err != nil {
			return fmt.Errorf("failed to initialize embedding backend: %w", err)
		}
	}

	var (
		db  *chromem.DB
		err error
	)
	if s.cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(s.cfg.PersistPath, false)
		if err != nil {
			_ = manager.Close()
			return fmt.Errorf("failed to open vector database at %s: %w", s.cfg.PersistPath, err)
		}
		logger.Infof("Semantic index persisting to %s", s.cfg.PersistPath)
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(toolCollection, nil, manager.Embed)
	if err != nil {
		_ = manager.Close()
		return fmt.Errorf("failed to create tool collection: %w", err)
	}

	s.manager = manager
	s.db = db
	s.collection = collection
	s.initialized = true

	logger.Infof("Semantic index initialized (dimension %d)", manager.Dimension())
	return nil
}

// IndexTools rebuilds the index wholesale from the given servers. The
// previous contents are dropped first, so entries for tools that no
// longer exist cannot survive a rebuild. Per-tool embedding failures are
// logged and skipped.
func (s *SemanticIndex) IndexTools(ctx context.Context, servers map[string]*toolmux.ServerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("%w: call Initialize before IndexTools", toolmux.ErrIndexNotInitialized)
	}

	if err := s.db.DeleteCollection(toolCollection); err != nil {
		return fmt.Errorf("failed to clear tool collection: %w", err)
	}
	collection, err := s.db.GetOrCreateCollection(toolCollection, nil, s.manager.Embed)
	if err != nil {
		return fmt.Errorf("failed to recreate tool collection: %w", err)
	}
	s.collection = collection
	s.descriptors = make(map[string]*toolmux.ToolDescriptor)

	indexed := 0
	for _, info := range servers {
		for i := range info.Tools {
			tool := &info.Tools[i]
			if err := s.addToolLocked(ctx, tool); err != nil {
				logger.Warnf("Failed to index tool %s: %v", tool.FullPath(), err)
				continue
			}
			indexed++
		}
	}

	logger.Infof("Indexed %d tools from %d servers", indexed, len(servers))
	return nil
}

// ReindexServer replaces one server's index entries with its current
// tools, leaving other servers' entries alone.
func (s *SemanticIndex) ReindexServer(ctx context.Context, name string, info *toolmux.ServerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("%w: call Initialize before ReindexServer", toolmux.ErrIndexNotInitialized)
	}

	hadEntries := false
	for id, tool := range s.descriptors {
		if tool.ServerName == name {
			delete(s.descriptors, id)
			hadEntries = true
		}
	}
	if hadEntries {
		if err := s.collection.Delete(ctx, map[string]string{"server_name": name}, nil); err != nil {
			return fmt.Errorf("failed to delete index entries for server %s: %w", name, err)
		}
	}

	if info == nil {
		logger.Debugf("Server %s removed from index", name)
		return nil
	}

	indexed := 0
	for i := range info.Tools {
		tool := &info.Tools[i]
		if err := s.addToolLocked(ctx, tool); err != nil {
			logger.Warnf("Failed to index tool %s: %v", tool.FullPath(), err)
			continue
		}
		indexed++
	}

	logger.Debugf("Reindexed server %s with %d tools", name, indexed)
	return nil
}

// Search embeds the query and returns up to topK nearest tools by
// descending score. A non-positive topK uses the default limit.
func (s *SemanticIndex) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, fmt.Errorf("%w: call Initialize before Search", toolmux.ErrIndexNotInitialized)
	}

	if topK <= 0 {
		topK = defaultSearchLimit
	}
	// chromem rejects result counts above the document count.
	if count := s.collection.Count(); count == 0 {
		return []SearchResult{}, nil
	} else if topK > count {
		topK = count
	}

	results, err := s.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}

	hits := make([]SearchResult, 0, len(results))
	for _, result := range results {
		tool, ok := s.descriptors[result.ID]
		if !ok {
			logger.Warnf("Index entry %s has no descriptor, skipping", result.ID)
			continue
		}
		score := result.Similarity
		if score < 0 {
			score = 0
		}
		hits = append(hits, SearchResult{
			ServerName:  tool.ServerName,
			ToolName:    tool.RawName,
			Description: tool.Description,
			Score:       score,
			FullPath:    tool.FullPath(),
			Tool:        tool,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	return hits, nil
}

// GetStats returns the number of indexed tools.
func (s *SemanticIndex) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{TotalTools: len(s.descriptors)}
}

// Close releases the embedding backend. The index is unusable afterwards
// until Initialize is called again.
func (s *SemanticIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}
	s.initialized = false
	s.collection = nil
	s.db = nil
	return s.manager.Close()
}

// addToolLocked embeds and stores one tool. Callers hold the write lock.
func (s *SemanticIndex) addToolLocked(ctx context.Context, tool *toolmux.ToolDescriptor) error {
	id := indexID(tool)
	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:      id,
		Content: embeddingContent(tool),
		Metadata: map[string]string{
			"server_name": tool.ServerName,
			"tool_name":   tool.RawName,
			"description": tool.Description,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add document %s: %w", id, err)
	}
	s.descriptors[id] = tool
	return nil
}

// indexID keys entries by server plus raw tool name, mirroring the
// metadata store key.
func indexID(tool *toolmux.ToolDescriptor) string {
	return tool.ServerName + "/" + tool.RawName
}

// embeddingContent is the text embedded for a tool: its description
// followed by its raw name, so search matches both wording and naming.
func embeddingContent(tool *toolmux.ToolDescriptor) string {
	if tool.Description == "" {
		return tool.RawName
	}
	return tool.Description + ". " + tool.RawName
}

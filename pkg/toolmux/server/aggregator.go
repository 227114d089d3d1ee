// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the aggregated tool set as one MCP server.
//
// The whole facade surface is four meta-tools: list_tools for a compact
// overview, describe_tools for full schemas, find_tools for semantic
// search, and run_code for sandboxed composition code. An Aggregator
// wires the connection manager, registry, semantic index, and sandbox
// together; Server carries the meta-tools over stdio or streamable
// HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux"
	"github.com/stacklok/toolmux/pkg/toolmux/client"
	"github.com/stacklok/toolmux/pkg/toolmux/config"
	"github.com/stacklok/toolmux/pkg/toolmux/index"
	"github.com/stacklok/toolmux/pkg/toolmux/metastore"
	"github.com/stacklok/toolmux/pkg/toolmux/registry"
	"github.com/stacklok/toolmux/pkg/toolmux/sandbox"
)

// Aggregator wires the toolmux components and implements the facade
// operations behind the meta-tools.
type Aggregator struct {
	cfg      *config.Config
	conns    *client.Manager
	store    metastore.Store
	registry *registry.Registry
	index    *index.SemanticIndex
	sandbox  *sandbox.Executor
}

// NewAggregator opens the metadata store and builds the component
// graph. Nothing is dialed or indexed until Bootstrap.
func NewAggregator(ctx context.Context, cfg *config.Config) (*Aggregator, error) {
	store, err := metastore.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	conns := client.NewManager(time.Duration(cfg.Timeouts.Connect), cfg.Version)

	return &Aggregator{
		cfg:      cfg,
		conns:    conns,
		store:    store,
		registry: registry.New(conns, store),
		index:    index.New(cfg.Index),
		sandbox: sandbox.NewExecutor(conns,
			time.Duration(cfg.Timeouts.ToolCall), time.Duration(cfg.Timeouts.Execute)),
	}, nil
}

// Bootstrap connects to the configured servers, registers their tools,
// builds the semantic index and the sandbox bindings. Per-server
// failures are logged and skipped. An index failure degrades find_tools
// while the other meta-tools keep serving.
func (a *Aggregator) Bootstrap(ctx context.Context) error {
	if err := a.conns.ConnectAll(ctx, a.cfg.Servers); err != nil {
		return err
	}
	if err := a.registry.RegisterAllServers(ctx); err != nil {
		return err
	}

	if err := a.index.Initialize(ctx); err != nil {
		logger.Errorf("Semantic index unavailable, find_tools will fail: %v", err)
	} else if err := a.index.IndexTools(ctx, a.registry.GetAllServers()); err != nil {
		logger.Warnf("Failed to index tools: %v", err)
	}

	a.sandbox.Initialize(a.registry.GetAllServers())
	return nil
}

// RefreshServer re-reads one server's tool list and updates the derived
// state: the server's index entries and the whole sandbox binding set.
// Derived state is rebuilt even when re-registration fails, so a server
// that vanished also vanishes from search and from the sandbox.
func (a *Aggregator) RefreshServer(ctx context.Context, name string) error {
	regErr := a.registry.RefreshServer(ctx, name)

	var info *toolmux.ServerInfo
	if current, err := a.registry.GetServer(name); err == nil {
		info = current
	}
	if err := a.index.ReindexServer(ctx, name, info); err != nil {
		logger.Warnf("Failed to reindex server %s: %v", name, err)
	}
	a.sandbox.Initialize(a.registry.GetAllServers())

	return regErr
}

// ListOverview renders the aggregated tool surface as lexicographically
// sorted "serverName/displayName" lines. A server's block is preceded
// by its configured instructions when it has any.
func (a *Aggregator) ListOverview() string {
	servers := a.registry.GetAllServers()

	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		info := servers[name]
		if instructions := strings.TrimSpace(info.Instructions); instructions != "" {
			fmt.Fprintf(&sb, "# %s: %s\n", name, instructions)
		}

		paths := make([]string, 0, len(info.Tools))
		for i := range info.Tools {
			paths = append(paths, info.Tools[i].FullPath())
		}
		sort.Strings(paths)
		for _, path := range paths {
			sb.WriteString(path)
			sb.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// ToolDetails is one describe_tools entry.
type ToolDetails struct {
	ServerName   string         `json:"server_name"`
	RawName      string         `json:"raw_name"`
	DisplayName  string         `json:"display_name"`
	FullPath     string         `json:"full_path"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	ExampleUsage string         `json:"example_usage"`
}

// GetToolDetails resolves tool paths to full descriptors. A malformed
// path fails the whole call; a well-formed path that does not resolve
// is skipped with a warning so one stale path cannot hide the rest.
func (a *Aggregator) GetToolDetails(toolPaths []string) ([]ToolDetails, error) {
	details := make([]ToolDetails, 0, len(toolPaths))
	for _, path := range toolPaths {
		if _, _, err := toolmux.SplitToolPath(path); err != nil {
			return nil, err
		}

		tool, err := a.registry.GetTool(path)
		if err != nil {
			logger.Warnf("Skipping unresolved tool path %q: %v", path, err)
			continue
		}

		details = append(details, ToolDetails{
			ServerName:   tool.ServerName,
			RawName:      tool.RawName,
			DisplayName:  tool.DisplayName,
			FullPath:     tool.FullPath(),
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
			ExampleUsage: exampleUsage(tool),
		})
	}
	return details, nil
}

// identRegex matches names usable with sandbox attribute syntax.
var identRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// exampleUsage renders a run_code snippet for one tool. The snippet
// always carries the full path so it can be pasted into call(); the
// attribute form is shown when both name segments allow it.
func exampleUsage(tool *toolmux.ToolDescriptor) string {
	byPath := fmt.Sprintf("call(%q, {})", tool.FullPath())
	if identRegex.MatchString(tool.ServerName) && identRegex.MatchString(tool.DisplayName) {
		return fmt.Sprintf("result = servers.%s.%s({})  # or: result = %s",
			tool.ServerName, tool.DisplayName, byPath)
	}
	return "result = " + byPath
}

// SemanticSearch finds tools matching a natural-language description of
// a capability.
func (a *Aggregator) SemanticSearch(ctx context.Context, query string, limit int) ([]index.SearchResult, error) {
	return a.index.Search(ctx, query, limit)
}

// RunComposedCode executes composition code in the sandbox and returns
// its result as a plain JSON value.
func (a *Aggregator) RunComposedCode(ctx context.Context, code string) (any, error) {
	return a.sandbox.Execute(ctx, code)
}

// Close releases everything Bootstrap acquired: the index, the metadata
// store, and the child server sessions.
func (a *Aggregator) Close() error {
	var errs []error
	if err := a.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close index: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	a.conns.CloseAll()
	return errors.Join(errs...)
}

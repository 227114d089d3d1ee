// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry maintains the authoritative in-memory view of the
// aggregated tool set.
//
// The registry runs per-server registration (tool listing plus metadata
// reconciliation) and serves lookups for every other component. The
// metadata store and the semantic index are derived views: when they
// disagree with the registry, the next registration pass reconverges them.
package registry

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux"
	"github.com/stacklok/toolmux/pkg/toolmux/metastore"
)

// maxConcurrentRegistrations bounds parallel per-server registration so a
// large server list does not fan out unbounded tool listings at once.
const maxConcurrentRegistrations = 10

// Registry is the in-memory map of registered servers and their reconciled
// tool descriptors. Mutations are serialized behind a mutex; lookups take a
// read lock.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*toolmux.ServerInfo

	conns toolmux.Connections
	store metastore.Store
}

// New creates a registry over the given connection set and metadata store.
func New(conns toolmux.Connections, store metastore.Store) *Registry {
	return &Registry{
		servers: make(map[string]*toolmux.ServerInfo),
		conns:   conns,
		store:   store,
	}
}

// RegisterServer lists one connected server's tools, reconciles them with
// the metadata store and publishes the result in the registry.
//
// Returns ErrAlreadyRegistered when the server is already present,
// ErrConnectionNotFound when no session exists for name, and
// ErrToolNameCollision when two advertised tool names map to the same
// display name. Metadata store failures are logged and do not fail
// registration; the in-memory state stays authoritative.
func (r *Registry) RegisterServer(ctx context.Context, name string) error {
	r.mu.RLock()
	_, exists := r.servers[name]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: server %q", toolmux.ErrAlreadyRegistered, name)
	}

	session, err := r.conns.Get(name)
	if err != nil {
		return fmt.Errorf("cannot register server %q: %w", name, err)
	}

	tools, err := session.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools for server %q: %w", name, err)
	}

	// The session reports raw names only; derive the binding-safe display
	// names here and reject registration when two raw names collapse into
	// one, since a shared display name would make one tool unreachable.
	seen := make(map[string]string, len(tools))
	for i := range tools {
		tools[i].ServerName = name
		tools[i].DisplayName = toolmux.SanitizeToolName(tools[i].RawName)
		if prior, ok := seen[tools[i].DisplayName]; ok {
			return fmt.Errorf("%w: server %q: tools %q and %q both map to %q",
				toolmux.ErrToolNameCollision, name, prior, tools[i].RawName, tools[i].DisplayName)
		}
		seen[tools[i].DisplayName] = tools[i].RawName
	}

	if err := r.syncWithStore(ctx, name, tools); err != nil {
		logger.Warnf("Metadata sync for server %s failed, serving from memory: %v", name, err)
	}

	info := &toolmux.ServerInfo{
		Name:         name,
		Instructions: r.conns.Instructions(name),
		Tools:        tools,
	}

	r.mu.Lock()
	if _, exists := r.servers[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: server %q", toolmux.ErrAlreadyRegistered, name)
	}
	r.servers[name] = info
	r.mu.Unlock()

	logger.Infof("Registered server %s with %d tools", name, len(tools))
	return nil
}

// RegisterAllServers registers every connected server concurrently,
// best-effort: one server's failure is logged and does not abort the
// others. Afterwards it deletes stored records for servers that did not
// end up in the registration set (orphan-server cleanup).
func (r *Registry) RegisterAllServers(ctx context.Context) error {
	names := r.conns.Names()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRegistrations)

	for _, name := range names {
		g.Go(func() error {
			if err := r.RegisterServer(ctx, name); err != nil {
				logger.Errorf("Failed to register server %s: %v", name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server registration failed: %w", err)
	}

	r.cleanupOrphanServers(ctx)

	registered := r.ServerCount()
	if registered == 0 {
		logger.Warnf("No servers could be registered (%d connected)", len(names))
	} else {
		logger.Infof("Registered %d/%d servers with %d tools total",
			registered, len(names), r.GetTotalToolCount())
	}
	return nil
}

// RefreshServer re-reads one server's tool list and re-runs the metadata
// reconciliation, replacing the in-memory entry. Other servers' state is
// untouched.
func (r *Registry) RefreshServer(ctx context.Context, name string) error {
	r.mu.Lock()
	delete(r.servers, name)
	r.mu.Unlock()

	return r.RegisterServer(ctx, name)
}

// GetServer returns the registered server info for name.
func (r *Registry) GetServer(name string) (*toolmux.ServerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: server %q is not registered", toolmux.ErrNotFound, name)
	}
	return info, nil
}

// GetClient returns the live session for a registered server.
func (r *Registry) GetClient(name string) (toolmux.Session, error) {
	if _, err := r.GetServer(name); err != nil {
		return nil, err
	}
	return r.conns.Get(name)
}

// GetAllServers returns the registered servers keyed by name. The result
// map is a copy but shares the ServerInfo values; callers must treat them
// as read-only.
func (r *Registry) GetAllServers() map[string]*toolmux.ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := make(map[string]*toolmux.ServerInfo, len(r.servers))
	for name, info := range r.servers {
		servers[name] = info
	}
	return servers
}

// GetTool resolves a "serverName/displayName" path to its descriptor.
// Malformed paths and unknown server or tool names both surface as
// ErrInvalidPath so callers can report any unusable path uniformly.
func (r *Registry) GetTool(path string) (*toolmux.ToolDescriptor, error) {
	serverName, displayName, err := toolmux.SplitToolPath(path)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.servers[serverName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown server in path %q", toolmux.ErrInvalidPath, path)
	}
	for i := range info.Tools {
		if info.Tools[i].DisplayName == displayName {
			return &info.Tools[i], nil
		}
	}
	return nil, fmt.Errorf("%w: unknown tool in path %q", toolmux.ErrInvalidPath, path)
}

// GetTotalToolCount returns the number of tools across all registered
// servers.
func (r *Registry) GetTotalToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, info := range r.servers {
		total += len(info.Tools)
	}
	return total
}

// ServerCount returns the number of registered servers.
func (r *Registry) ServerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// cleanupOrphanServers deletes stored records for servers absent from the
// current registration set. Store failures degrade to a log line; the
// next full pass retries the cleanup.
func (r *Registry) cleanupOrphanServers(ctx context.Context) {
	storedNames, err := r.store.GetAllServerNames(ctx)
	if err != nil {
		logger.Warnf("Skipping orphan-server cleanup: %v", err)
		return
	}

	live := r.GetAllServers()
	for _, name := range storedNames {
		if _, ok := live[name]; ok {
			continue
		}
		if err := r.store.DeleteServerTools(ctx, name); err != nil {
			logger.Warnf("Failed to delete stored tools for absent server %s: %v", name, err)
			continue
		}
		logger.Infof("Removed stored metadata for absent server %s", name)
	}
}

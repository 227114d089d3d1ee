// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client owns the sessions to the configured child tool servers.
//
// One session is opened per configured server over its configured transport
// (stdio, sse or streamable-http). Connection failures are isolated per
// server: the manager keeps every session it could open and reports the
// rest through logs.
package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux"
	"github.com/stacklok/toolmux/pkg/toolmux/config"
)

const (
	// maxConnectAttempts bounds the retries for one server's connect
	// sequence, including the initial attempt.
	maxConnectAttempts = 3

	// maxConcurrentConnects bounds parallel connection attempts so a large
	// server list does not spawn an unbounded number of child processes at
	// once.
	maxConcurrentConnects = 10

	clientName = "toolmux"
)

// Manager opens and owns one live session per configured server.
// It implements toolmux.Connections for the registry and sandbox.
type Manager struct {
	mu             sync.RWMutex
	sessions       map[string]toolmux.Session
	instructions   map[string]string
	connectTimeout time.Duration
	version        string
}

var _ toolmux.Connections = (*Manager)(nil)

// NewManager creates a connection manager. connectTimeout bounds each
// connect attempt (session open plus protocol handshake).
func NewManager(connectTimeout time.Duration, version string) *Manager {
	return &Manager{
		sessions:       make(map[string]toolmux.Session),
		instructions:   make(map[string]string),
		connectTimeout: connectTimeout,
		version:        version,
	}
}

// Connect opens the session for one configured server, retrying transient
// failures with exponential backoff.
func (m *Manager) Connect(ctx context.Context, cfg config.ServerConfig) error {
	m.mu.RLock()
	_, exists := m.sessions[cfg.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: connection for server %q already exists", toolmux.ErrAlreadyRegistered, cfg.Name)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond

	operation := func() (*mcpclient.Client, error) {
		return m.dial(ctx, cfg)
	}

	c, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxConnectAttempts),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnf("Connect to server %s failed, retrying in %v: %v", cfg.Name, duration, err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: server %s: %w", toolmux.ErrConnectionFailed, cfg.Name, err)
	}

	m.mu.Lock()
	m.sessions[cfg.Name] = &mcpSession{serverName: cfg.Name, client: c}
	m.instructions[cfg.Name] = cfg.Instructions
	m.mu.Unlock()

	logger.Infof("Connected to server %s (%s)", cfg.Name, cfg.Transport)
	return nil
}

// ConnectAll opens every configured connection concurrently. Each failure
// is isolated and logged; the successes are kept. The returned error is
// non-nil only when the context is cancelled.
func (m *Manager) ConnectAll(ctx context.Context, configs []config.ServerConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentConnects)

	for _, cfg := range configs {
		g.Go(func() error {
			if err := m.Connect(ctx, cfg); err != nil {
				logger.Errorf("Failed to connect to server %s: %v", cfg.Name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Infof("Connected to %d/%d configured servers", m.Count(), len(configs))
	return nil
}

// dial creates, starts and initializes one client under the connect timeout.
func (m *Manager) dial(ctx context.Context, cfg config.ServerConfig) (*mcpclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	var (
		c   *mcpclient.Client
		err error
	)
	switch cfg.Transport {
	case config.TransportStdio:
		envVars := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
		}
		c, err = mcpclient.NewStdioMCPClient(cfg.Command, envVars, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdio client: %w", err)
		}
		captureStdioServerStderr(cfg.Name, c)

	case config.TransportSSE:
		c, err = mcpclient.NewSSEMCPClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create sse client: %w", err)
		}
		if err := c.Start(dialCtx); err != nil {
			return nil, fmt.Errorf("failed to start sse transport: %w", err)
		}

	case config.TransportStreamableHTTP:
		c, err = mcpclient.NewStreamableHttpClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable http client: %w", err)
		}
		if err := c.Start(dialCtx); err != nil {
			return nil, fmt.Errorf("failed to start streamable http transport: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	if _, err := m.initialize(dialCtx, c); err != nil {
		if closeErr := c.Close(); closeErr != nil {
			logger.Debugf("Failed to close client after handshake failure: %v", closeErr)
		}
		return nil, err
	}

	return c, nil
}

// initialize runs the protocol handshake.
func (m *Manager) initialize(ctx context.Context, c *mcpclient.Client) (*mcp.ServerCapabilities, error) {
	result, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: m.version,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	return &result.Capabilities, nil
}

// Get returns the session for a server name.
func (m *Manager) Get(name string) (toolmux.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: server %q", toolmux.ErrConnectionNotFound, name)
	}
	return session, nil
}

// Names returns the connected server names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Instructions returns the operator-supplied usage notes for a server,
// or "" when none were configured.
func (m *Manager) Instructions(name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instructions[name]
}

// CloseAll tears down every session. Close errors are logged, not returned,
// since shutdown should proceed past individual failures.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, session := range m.sessions {
		if err := session.Close(); err != nil {
			logger.Warnf("Failed to close session for server %s: %v", name, err)
		}
		delete(m.sessions, name)
		delete(m.instructions, name)
	}
}

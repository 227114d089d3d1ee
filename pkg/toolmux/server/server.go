// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux/config"
)

const (
	// defaultReadHeaderTimeout guards against Slowloris attacks.
	defaultReadHeaderTimeout = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second

	// defaultMaxHeaderBytes is the maximum size of request headers (1 MB).
	defaultMaxHeaderBytes = 1 << 20

	defaultShutdownTimeout = 10 * time.Second

	// endpointPath is where the streamable HTTP transport serves MCP.
	endpointPath = "/mcp"
)

// Server serves the facade meta-tools over the configured transport.
type Server struct {
	cfg *config.Config
	agg *Aggregator

	mcpServer  *server.MCPServer
	httpServer *http.Server

	listenerMu sync.Mutex
	listener   net.Listener

	ready     chan struct{}
	readyOnce sync.Once
}

// New builds the facade server around an aggregator. Start bootstraps
// the aggregator before serving.
func New(cfg *config.Config, agg *Aggregator) *Server {
	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	mcpServer.AddTools(metaTools(agg)...)

	return &Server{
		cfg:       cfg,
		agg:       agg,
		mcpServer: mcpServer,
		ready:     make(chan struct{}),
	}
}

// Start bootstraps the aggregator and serves until ctx is cancelled or
// the transport fails. It blocks for the server's lifetime and closes
// the aggregator's components on the way out.
func (s *Server) Start(ctx context.Context) error {
	defer func() {
		if err := s.agg.Close(); err != nil {
			logger.Warnf("Shutdown left components unclosed: %v", err)
		}
	}()

	if err := s.agg.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to start components: %w", err)
	}

	if s.cfg.Transport == config.TransportStdio {
		return s.serveStdio(ctx)
	}
	return s.serveStreamableHTTP(ctx)
}

// serveStdio serves MCP on the process's stdin and stdout until ctx is
// cancelled or stdin closes.
func (s *Server) serveStdio(ctx context.Context) error {
	logger.Infof("Serving %s on stdio", s.cfg.Name)
	s.markReady()

	// Context cancellation and stdin closing are both clean shutdowns.
	stdioServer := server.NewStdioServer(s.mcpServer)
	err := stdioServer.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stdio server error: %w", err)
	}
	return nil
}

// serveStreamableHTTP serves MCP at the /mcp endpoint on host:port,
// with health endpoints alongside.
func (s *Server) serveStreamableHTTP(ctx context.Context) error {
	streamableServer := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath(endpointPath),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/", streamableServer)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	// Create the listener ourselves so port 0 binds a random free port
	// that Address can report.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	logger.Infof("Serving %s at http://%s%s", s.cfg.Name, listener.Addr(), endpointPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.markReady()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// handleHealth handles /health requests. Intentionally minimal: it only
// confirms the HTTP server is responding.
func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := map[string]string{
		"status": "ok",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorf("Failed to encode health response: %v", err)
	}
}

// handleStatus handles /status requests with operational counts.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	response := map[string]any{
		"status":        "ok",
		"servers":       s.agg.registry.ServerCount(),
		"tools":         s.agg.registry.GetTotalToolCount(),
		"indexed_tools": s.agg.index.GetStats().TotalTools,
		"bindings":      s.agg.sandbox.BindingCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorf("Failed to encode status response: %v", err)
	}
}

// Ready returns a channel closed once the transport accepts requests.
// This is useful for testing and synchronization.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Address returns the bound listen address. Empty before Start and for
// the stdio transport.
func (s *Server) Address() string {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolmux/pkg/toolmux"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
servers:
  - name: weather
    transport: stdio
    command: ./weather-mcp
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, TransportStdio, cfg.Transport)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultDatabasePath, cfg.DatabasePath)
	assert.Equal(t, EmbeddingBackendPlaceholder, cfg.Index.Embedding.Backend)
	assert.Equal(t, DefaultConnectTimeout, time.Duration(cfg.Timeouts.Connect))
	assert.Equal(t, DefaultCallTimeout, time.Duration(cfg.Timeouts.ToolCall))
	assert.Equal(t, DefaultExecTimeout, time.Duration(cfg.Timeouts.Execute))
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
name: aggregator
transport: streamable-http
host: 0.0.0.0
port: 9090
database_path: /tmp/agg.db
index:
  persist_path: /tmp/agg-index
  embedding:
    backend: ollama
    base_url: http://localhost:11434
    model: nomic-embed-text
timeouts:
  connect: 10s
  tool_call: 45s
  execute: 2m
servers:
  - name: weather
    transport: stdio
    command: ./weather-mcp
    args: ["--cache"]
    env:
      API_KEY: xyz
    instructions: |
      Call get-forecast before get-alerts.
  - name: slack
    transport: sse
    url: http://localhost:3001/sse
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "aggregator", cfg.Name)
	assert.Equal(t, TransportStreamableHTTP, cfg.Transport)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "ollama", cfg.Index.Embedding.Backend)
	assert.Equal(t, 10*time.Second, time.Duration(cfg.Timeouts.Connect))
	assert.Equal(t, 45*time.Second, time.Duration(cfg.Timeouts.ToolCall))
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.Timeouts.Execute))

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, []string{"--cache"}, cfg.Servers[0].Args)
	assert.Equal(t, map[string]string{"API_KEY": "xyz"}, cfg.Servers[0].Env)
	assert.Contains(t, cfg.Servers[0].Instructions, "get-forecast")
	assert.Equal(t, "http://localhost:3001/sse", cfg.Servers[1].URL)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "no servers",
			mutate:  func(c *Config) { c.Servers = nil },
			wantMsg: "at least one server",
		},
		{
			name: "duplicate server names",
			mutate: func(c *Config) {
				c.Servers = append(c.Servers, c.Servers[0])
			},
			wantMsg: "duplicate server name",
		},
		{
			name: "invalid server name",
			mutate: func(c *Config) {
				c.Servers[0].Name = "bad/name"
			},
			wantMsg: "server name",
		},
		{
			name: "stdio without command",
			mutate: func(c *Config) {
				c.Servers[0].Command = ""
			},
			wantMsg: "no command",
		},
		{
			name: "sse without url",
			mutate: func(c *Config) {
				c.Servers[0].Transport = TransportSSE
			},
			wantMsg: "no url",
		},
		{
			name: "unknown child transport",
			mutate: func(c *Config) {
				c.Servers[0].Transport = "websocket"
			},
			wantMsg: "unsupported transport",
		},
		{
			name: "unknown facade transport",
			mutate: func(c *Config) {
				c.Transport = "sse"
			},
			wantMsg: "facade transport",
		},
		{
			name: "unknown embedding backend",
			mutate: func(c *Config) {
				c.Index.Embedding.Backend = "word2vec"
			},
			wantMsg: "embedding backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{
				Servers: []ServerConfig{{
					Name:      "weather",
					Transport: TransportStdio,
					Command:   "./weather-mcp",
				}},
			}
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, toolmux.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	t.Parallel()

	type wrapper struct {
		Timeout Duration `yaml:"timeout" json:"timeout"`
	}

	var w wrapper
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 90s\n"), &w))
	assert.Equal(t, 90*time.Second, time.Duration(w.Timeout))

	out, err := yaml.Marshal(w)
	require.NoError(t, err)
	assert.Contains(t, string(out), "1m30s")

	var bad wrapper
	require.Error(t, yaml.Unmarshal([]byte("timeout: ninety\n"), &bad))
}

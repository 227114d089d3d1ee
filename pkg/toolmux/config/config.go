// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config defines the toolmux configuration model and YAML loader.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolmux/pkg/toolmux"
)

// Transport identifiers for the facade and for child server connections.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// Embedding backend identifiers.
const (
	EmbeddingBackendOllama      = "ollama"
	EmbeddingBackendOpenAI      = "openai"
	EmbeddingBackendPlaceholder = "placeholder"
)

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultName           = "toolmux"
	DefaultVersion        = "0.1.0"
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 4483
	DefaultDatabasePath   = "toolmux.db"
	DefaultConnectTimeout = 30 * time.Second
	DefaultCallTimeout    = 60 * time.Second
	DefaultExecTimeout    = 5 * time.Minute
)

// Duration wraps time.Duration so YAML and JSON accept "30s"-style strings.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the toolmux configuration model, loaded from YAML.
type Config struct {
	// Name is the aggregated server name announced to facade clients.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Version is the announced server version.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Transport selects how the facade serves: "stdio" or "streamable-http".
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`

	// Host and Port apply to the streamable-http transport.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	// DatabasePath is the SQLite file backing the metadata store.
	// ":memory:" keeps the store in process memory.
	DatabasePath string `json:"database_path,omitempty" yaml:"database_path,omitempty"`

	// Index configures the semantic index and its embedding backend.
	Index IndexConfig `json:"index,omitempty" yaml:"index,omitempty"`

	// Timeouts bound remote calls and sandbox runs.
	Timeouts TimeoutConfig `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`

	// Servers lists the child tool servers to aggregate.
	Servers []ServerConfig `json:"servers" yaml:"servers"`
}

// IndexConfig configures the semantic index.
type IndexConfig struct {
	// PersistPath is the directory for the vector database. Empty keeps the
	// index in memory and rebuilds it on startup.
	PersistPath string `json:"persist_path,omitempty" yaml:"persist_path,omitempty"`

	// Embedding configures the embedding backend.
	Embedding EmbeddingConfig `json:"embedding,omitempty" yaml:"embedding,omitempty"`
}

// EmbeddingConfig configures how tool descriptions are embedded.
type EmbeddingConfig struct {
	// Backend is "ollama", "openai" or "placeholder".
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// BaseURL is the embedding service endpoint, for remote backends.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Model names the embedding model, for remote backends.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// APIKey authenticates against openai-compatible services.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// Dimension is the embedding vector length. Remote backends that report
	// their own dimension override this.
	Dimension int `json:"dimension,omitempty" yaml:"dimension,omitempty"`
}

// TimeoutConfig bounds the operations that talk to child servers or run
// caller code. Zero values take the package defaults.
type TimeoutConfig struct {
	// Connect bounds session open plus the protocol handshake, per server.
	Connect Duration `json:"connect,omitempty" yaml:"connect,omitempty"`

	// ToolCall bounds one remote tool call.
	ToolCall Duration `json:"tool_call,omitempty" yaml:"tool_call,omitempty"`

	// Execute bounds one whole sandbox run.
	Execute Duration `json:"execute,omitempty" yaml:"execute,omitempty"`
}

// ServerConfig describes one child tool server.
type ServerConfig struct {
	// Name identifies the server inside tool paths. Must be unique.
	Name string `json:"name" yaml:"name"`

	// Transport is "stdio", "sse" or "streamable-http".
	Transport string `json:"transport" yaml:"transport"`

	// Command and Args spawn a stdio server.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env sets additional environment variables for a stdio server.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// URL is the endpoint for sse and streamable-http servers.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Instructions holds optional usage notes surfaced in the tool overview.
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", toolmux.ErrInvalidConfig, path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Transport == "" {
		c.Transport = TransportStdio
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	if c.Index.Embedding.Backend == "" {
		c.Index.Embedding.Backend = EmbeddingBackendPlaceholder
	}
	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = Duration(DefaultConnectTimeout)
	}
	if c.Timeouts.ToolCall == 0 {
		c.Timeouts.ToolCall = Duration(DefaultCallTimeout)
	}
	if c.Timeouts.Execute == 0 {
		c.Timeouts.Execute = Duration(DefaultExecTimeout)
	}
}

// Validate checks the configuration for structural problems. All
// violations wrap toolmux.ErrInvalidConfig.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportStreamableHTTP:
	default:
		return fmt.Errorf("%w: unsupported facade transport %q", toolmux.ErrInvalidConfig, c.Transport)
	}

	switch c.Index.Embedding.Backend {
	case EmbeddingBackendOllama, EmbeddingBackendOpenAI, EmbeddingBackendPlaceholder:
	default:
		return fmt.Errorf("%w: unknown embedding backend %q", toolmux.ErrInvalidConfig, c.Index.Embedding.Backend)
	}

	if len(c.Servers) == 0 {
		return fmt.Errorf("%w: at least one server must be configured", toolmux.ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if err := toolmux.ValidateServerName(s.Name); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate server name %q", toolmux.ErrInvalidConfig, s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("%w: server %q uses stdio but has no command", toolmux.ErrInvalidConfig, s.Name)
			}
		case TransportSSE, TransportStreamableHTTP:
			if s.URL == "" {
				return fmt.Errorf("%w: server %q uses %s but has no url", toolmux.ErrInvalidConfig, s.Name, s.Transport)
			}
		default:
			return fmt.Errorf("%w: server %q has unsupported transport %q", toolmux.ErrInvalidConfig, s.Name, s.Transport)
		}
	}

	return nil
}

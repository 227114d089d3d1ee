// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the toolmux command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux/config"
	toolmuxserver "github.com/stacklok/toolmux/pkg/toolmux/server"
)

var rootCmd = &cobra.Command{
	Use:               "toolmux",
	DisableAutoGenTag: true,
	Short:             "toolmux - aggregate MCP tool servers behind one searchable facade",
	Long: `toolmux connects to many MCP (Model Context Protocol) tool servers and
exposes the combined tool set through a single server with four meta-tools:

- list_tools: compact overview of every aggregated tool
- describe_tools: full schemas for a batch of tools
- find_tools: semantic search over tool descriptions
- run_code: sandboxed Starlark code composing any aggregated tools

Tool metadata persists in SQLite across restarts and is embedded into a
vector index so clients can discover tools by meaning rather than by name.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the toolmux CLI.
func NewRootCmd() *cobra.Command {
	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to toolmux configuration file")
	err = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newServeCmd creates the serve command for starting the meta-server
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the toolmux meta-server",
		Long: `Start the toolmux meta-server.

The server reads the configuration file given by --config, connects to the
configured tool servers, reconciles the persisted tool metadata, builds the
semantic index and then serves the meta-tools over the configured transport
(stdio or streamable HTTP) until interrupted.`,
		RunE: runServe,
	}
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for toolmux",
		Run: func(_ *cobra.Command, _ []string) {
			// Version information will be injected at build time
			logger.Infof("toolmux version: %s", getVersion())
		},
	}
}

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the toolmux configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity
- Facade transport and embedding backend values
- Server name validity and uniqueness
- Per-server transport requirements (command for stdio, url for remote)`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			logger.Infof("Validating configuration: %s", configPath)

			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Name: %s", cfg.Name)
			logger.Infof("  Transport: %s", cfg.Transport)
			logger.Infof("  Database: %s", cfg.DatabasePath)
			logger.Infof("  Embedding backend: %s", cfg.Index.Embedding.Backend)
			logger.Infof("  Servers: %d configured", len(cfg.Servers))
			for _, s := range cfg.Servers {
				logger.Infof("    - %s (%s)", s.Name, s.Transport)
			}

			return nil
		},
	}
}

// getVersion returns the version string (will be set at build time)
func getVersion() string {
	// This will be replaced with actual version info using ldflags
	return "dev"
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")

	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	logger.Infof("Configuration loaded and validated successfully")
	logger.Infof("  Name: %s", cfg.Name)
	logger.Infof("  Transport: %s", cfg.Transport)
	logger.Infof("  Servers: %d configured", len(cfg.Servers))

	agg, err := toolmuxserver.NewAggregator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create aggregator: %w", err)
	}

	srv := toolmuxserver.New(cfg, agg)

	// Start server (blocks until shutdown signal)
	return srv.Start(ctx)
}

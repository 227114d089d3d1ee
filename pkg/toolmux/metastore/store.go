// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metastore persists per-tool output-schema provenance.
//
// The store is the durable half of the registry's reconciliation: it holds
// exactly one record per (serverName, toolName) with the tool's last known
// output schema and whether that schema came from the server itself. One
// store instance is constructed by the application and injected by
// reference into every consumer.
package metastore

import (
	"context"
	"time"
)

// ToolRecord is the persisted provenance for one tool's output schema.
type ToolRecord struct {
	// ServerName and ToolName form the unique key. ToolName is the raw
	// name as advertised by the server.
	ServerName string
	ToolName   string

	// OutputSchema is the serialized JSON schema. Empty when the tool has
	// never advertised one.
	OutputSchema string

	// IsOriginalSchema is true when OutputSchema came from the server's
	// own advertisement rather than an earlier cache.
	IsOriginalSchema bool

	// LastUpdated is when this record was last written.
	LastUpdated time.Time
}

// Stats summarizes the store contents.
type Stats struct {
	// TotalTools is the number of records.
	TotalTools int

	// ToolsPerServer maps server name to its record count.
	ToolsPerServer map[string]int

	// LastUpdated is the most recent record write, zero when the store is
	// empty.
	LastUpdated time.Time
}

// Store is the durable metadata store. Writes are atomic per record;
// concurrent writes for different records never corrupt each other.
// Missing-record lookups return toolmux.ErrNotFound.
type Store interface {
	// SaveTool inserts or replaces the record for (ServerName, ToolName).
	SaveTool(ctx context.Context, record ToolRecord) error

	// GetTool returns one record.
	GetTool(ctx context.Context, serverName, toolName string) (*ToolRecord, error)

	// GetServerTools returns all records for a server, ordered by tool name.
	GetServerTools(ctx context.Context, serverName string) ([]ToolRecord, error)

	// UpdateTool refreshes an existing record's schema, provenance and
	// timestamp.
	UpdateTool(ctx context.Context, record ToolRecord) error

	// GetAllTools returns every record, ordered by server then tool name.
	GetAllTools(ctx context.Context) ([]ToolRecord, error)

	// DeleteTool removes one record. Deleting an absent record is not an
	// error.
	DeleteTool(ctx context.Context, serverName, toolName string) error

	// DeleteServerTools removes all records for a server.
	DeleteServerTools(ctx context.Context, serverName string) error

	// GetAllServerNames returns the distinct server names present, sorted.
	GetAllServerNames(ctx context.Context) ([]string, error)

	// GetStats summarizes the store contents.
	GetStats(ctx context.Context) (*Stats, error)

	// Close releases the underlying storage.
	Close() error
}

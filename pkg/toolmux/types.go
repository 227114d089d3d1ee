// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package toolmux contains the shared domain types and errors used across
// the toolmux subpackages (client, registry, metastore, index, sandbox,
// server).
package toolmux

import (
	"context"
)

// ToolDescriptor is the in-memory record of one aggregated tool.
type ToolDescriptor struct {
	// ServerName is the configured name of the server providing the tool.
	ServerName string

	// RawName is the tool name exactly as advertised by the server. It is
	// the name used when forwarding calls to the server.
	RawName string

	// DisplayName is RawName with hyphens rewritten to underscores so the
	// name is safe as a binding identifier. No other rewriting is applied.
	DisplayName string

	// Description describes what the tool does.
	Description string

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any

	// OutputSchema is the JSON Schema for tool output. Nil when the server
	// advertised none and no cached schema exists. When the server omits
	// the schema transiently, the registry heals this field from the
	// metadata store.
	OutputSchema map[string]any
}

// FullPath returns the tool's canonical "serverName/displayName" path.
func (t *ToolDescriptor) FullPath() string {
	return ToolPath(t.ServerName, t.DisplayName)
}

// ServerInfo is the registry's view of one registered server.
type ServerInfo struct {
	// Name is the configured server name.
	Name string

	// Instructions holds optional operator-supplied usage notes for the
	// server, surfaced in the aggregated tool overview.
	Instructions string

	// Tools are the server's reconciled tool descriptors, in the order the
	// server advertised them.
	Tools []ToolDescriptor
}

// Content is one item of a tool call response.
type Content struct {
	// Type is "text", "image", "audio" or "unknown".
	Type string

	// Text is set for text content.
	Text string

	// Data is base64-encoded payload for binary content.
	Data string

	// MimeType describes binary content.
	MimeType string
}

// ToolCallResult is the outcome of one forwarded tool call.
type ToolCallResult struct {
	// Content holds the ordered content items returned by the tool.
	Content []Content

	// StructuredContent is the tool's structured result, when provided.
	StructuredContent any

	// IsError indicates a tool-level (application) error. The result still
	// carries content describing the failure.
	IsError bool
}

// Session is the capability handle for one connected tool server:
// list its tools and call them. Implementations are owned by the
// client package.
type Session interface {
	// ListTools returns the server's advertised tools. ServerName and
	// DisplayName on the returned descriptors are not filled in; the
	// registry derives them.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// CallTool invokes rawName with the given argument object and returns
	// the result verbatim.
	CallTool(ctx context.Context, rawName string, args map[string]any) (*ToolCallResult, error)

	// Close tears the session down.
	Close() error
}

// Connections provides lookup over the live session set. Implemented by
// the client connection manager and consumed by the registry and sandbox.
type Connections interface {
	// Get returns the session for a server name.
	// Returns ErrConnectionNotFound when no session exists.
	Get(name string) (Session, error)

	// Names returns the names of all connected servers.
	Names() []string

	// Count returns the number of live connections.
	Count() int

	// Instructions returns the operator-supplied usage notes for a server,
	// or "" when none were configured.
	Instructions(name string) string
}

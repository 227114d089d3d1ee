// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package toolmux

import "errors"

// Common domain errors used across toolmux subpackages.
// These errors should be checked using errors.Is().

var (
	// ErrNotFound indicates a requested resource (server, tool, record) was not found.
	// Wrapping errors should provide specific details about what was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates invalid configuration was provided.
	// Wrapping errors should provide specific details about what is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates a child server session could not be
	// established. Failures are per server and never fatal to the batch.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionNotFound indicates no live session exists for a server name.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrAlreadyRegistered indicates a server was registered twice.
	ErrAlreadyRegistered = errors.New("server already registered")

	// ErrToolNameCollision indicates two raw tool names within one server
	// sanitize to the same display name. Registration is rejected rather
	// than letting one binding shadow the other.
	ErrToolNameCollision = errors.New("tool display name collision")

	// ErrPersistence indicates a metadata store I/O failure. Consumers
	// degrade to serving in-memory state; this error is logged, never fatal.
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidPath indicates a malformed or unresolvable
	// "serverName/displayName" tool path.
	ErrInvalidPath = errors.New("invalid tool path")

	// ErrInvalidArguments indicates tool call arguments that do not match
	// the tool's input schema. Surfaced immediately, never retried.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrSandboxExecution indicates composition code failed inside the
	// sandbox. The failure is wrapped and returned, never propagated as a
	// host crash.
	ErrSandboxExecution = errors.New("sandbox execution failed")

	// ErrSandboxNotInitialized indicates Execute was called before the
	// binding set was built.
	ErrSandboxNotInitialized = errors.New("sandbox not initialized")

	// ErrIndexNotInitialized indicates the semantic index was queried or
	// written before Initialize.
	ErrIndexNotInitialized = errors.New("semantic index not initialized")

	// ErrTimeout indicates an operation exceeded its configured bound.
	// Wrapping errors should include the operation type and timeout duration.
	ErrTimeout = errors.New("operation timed out")
)

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package toolmux

import (
	"fmt"
	"regexp"
	"strings"
)

// PathSeparator joins a server name and a display name into a tool path.
const PathSeparator = "/"

// serverNameRegex restricts configured server names to characters that are
// safe inside tool paths and sandbox identifiers.
var serverNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// SanitizeToolName derives a binding-safe display name from a raw tool
// name. Only hyphens are rewritten (to underscores); no other
// disambiguation is performed.
func SanitizeToolName(rawName string) string {
	return strings.ReplaceAll(rawName, "-", "_")
}

// ToolPath returns the canonical "serverName/displayName" path.
func ToolPath(serverName, displayName string) string {
	return serverName + PathSeparator + displayName
}

// SplitToolPath parses a "serverName/displayName" path. It returns
// ErrInvalidPath (wrapped with detail) when the path does not contain
// exactly one separator with non-empty halves.
func SplitToolPath(path string) (serverName, displayName string, err error) {
	serverName, displayName, found := strings.Cut(path, PathSeparator)
	if !found {
		return "", "", fmt.Errorf("%w: %q is missing the %q separator", ErrInvalidPath, path, PathSeparator)
	}
	if serverName == "" || displayName == "" {
		return "", "", fmt.Errorf("%w: %q has an empty server or tool segment", ErrInvalidPath, path)
	}
	if strings.Contains(displayName, PathSeparator) {
		return "", "", fmt.Errorf("%w: %q contains more than one %q separator", ErrInvalidPath, path, PathSeparator)
	}
	return serverName, displayName, nil
}

// ValidateServerName reports whether a configured server name is usable
// inside tool paths. Valid names contain only alphanumerics, underscores
// and hyphens.
func ValidateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: server name must not be empty", ErrInvalidConfig)
	}
	if !serverNameRegex.MatchString(name) {
		return fmt.Errorf("%w: server name %q may only contain letters, digits, underscores and hyphens", ErrInvalidConfig, name)
	}
	return nil
}

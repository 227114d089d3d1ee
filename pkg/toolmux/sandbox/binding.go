// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux"
)

// binding forwards sandbox calls for one tool to its server. The session
// is resolved per call so a reconnected server is picked up without a
// rebuild.
type binding struct {
	path        string
	serverName  string
	rawName     string
	displayName string
	conns       toolmux.Connections

	// schema validates call arguments before they leave the sandbox. Nil
	// when the tool's input schema did not compile; validation is then
	// left to the remote server.
	schema *gojsonschema.Schema

	callTimeout time.Duration
}

func newBinding(tool *toolmux.ToolDescriptor, conns toolmux.Connections, callTimeout time.Duration) *binding {
	b := &binding{
		path:        tool.FullPath(),
		serverName:  tool.ServerName,
		rawName:     tool.RawName,
		displayName: tool.DisplayName,
		conns:       conns,
		callTimeout: callTimeout,
	}

	if tool.InputSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.InputSchema))
		if err != nil {
			logger.Warnf("Input schema for %s does not compile, skipping argument validation: %v", b.path, err)
		} else {
			b.schema = schema
		}
	}

	return b
}

// invoke validates args, forwards the call to the tool's server, and
// converts the response into a plain JSON value.
func (b *binding) invoke(ctx context.Context, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	if err := b.validateArgs(args); err != nil {
		return nil, err
	}

	session, err := b.conns.Get(b.serverName)
	if err != nil {
		return nil, fmt.Errorf("cannot call %s: %w", b.path, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	result, err := session.CallTool(callCtx, b.rawName, args)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: call to %s exceeded %s", toolmux.ErrTimeout, b.path, b.callTimeout)
		}
		return nil, fmt.Errorf("call to %s failed: %w", b.path, err)
	}

	return resultValue(b.path, result)
}

func (b *binding) validateArgs(args map[string]any) error {
	if b.schema == nil {
		return nil
	}

	result, err := b.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", toolmux.ErrInvalidArguments, b.path, err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("%w: %s: %s", toolmux.ErrInvalidArguments, b.path, strings.Join(details, "; "))
}

// resultValue converts a tool call result into the value handed back to
// composition code. Structured content is preferred. A single text item
// that parses as JSON is decoded; otherwise content items are returned
// as a list of maps.
func resultValue(path string, result *toolmux.ToolCallResult) (any, error) {
	if result.IsError {
		msg := "tool execution error"
		if len(result.Content) > 0 && result.Content[0].Text != "" {
			msg = result.Content[0].Text
		}
		return nil, fmt.Errorf("tool %s returned an error: %s", path, msg)
	}

	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}

	if len(result.Content) == 1 && result.Content[0].Type == "text" {
		var decoded any
		if err := json.Unmarshal([]byte(result.Content[0].Text), &decoded); err == nil {
			return decoded, nil
		}
		return result.Content[0].Text, nil
	}

	if len(result.Content) == 0 {
		return nil, nil
	}

	items := make([]any, 0, len(result.Content))
	for _, c := range result.Content {
		item := map[string]any{"type": c.Type}
		if c.Text != "" {
			item["text"] = c.Text
		}
		if c.Data != "" {
			item["data"] = c.Data
		}
		if c.MimeType != "" {
			item["mime_type"] = c.MimeType
		}
		items = append(items, item)
	}
	return items, nil
}

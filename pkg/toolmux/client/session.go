// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux"
)

// mcpSession adapts an mcp-go client to the toolmux.Session capability.
type mcpSession struct {
	serverName string
	client     *client.Client
}

var _ toolmux.Session = (*mcpSession)(nil)

// ListTools lists the server's advertised tools and converts them to
// descriptors. ServerName and DisplayName are left for the registry to fill.
func (s *mcpSession) ListTools(ctx context.Context) ([]toolmux.ToolDescriptor, error) {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools from server %s: %w", s.serverName, err)
	}

	tools := make([]toolmux.ToolDescriptor, 0, len(result.Tools))
	for _, tool := range result.Tools {
		tools = append(tools, toolmux.ToolDescriptor{
			RawName:      tool.Name,
			Description:  tool.Description,
			InputSchema:  convertInputSchema(tool.InputSchema),
			OutputSchema: convertOutputSchema(s.serverName, tool.Name, tool.RawOutputSchema),
		})
	}
	return tools, nil
}

// CallTool forwards one tool call and converts the response.
func (s *mcpSession) CallTool(ctx context.Context, rawName string, args map[string]any) (*toolmux.ToolCallResult, error) {
	result, err := s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      rawName,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tool call %s failed on server %s: %w", rawName, s.serverName, err)
	}

	content := make([]toolmux.Content, len(result.Content))
	for i, item := range result.Content {
		content[i] = convertContent(item)
	}

	if result.IsError {
		// Tool-level error, not a transport failure. Preserve the result so
		// callers can surface the tool's own error text.
		logger.Warnf("Tool %s on server %s returned an error result", rawName, s.serverName)
	}

	return &toolmux.ToolCallResult{
		Content:           content,
		StructuredContent: result.StructuredContent,
		IsError:           result.IsError,
	}, nil
}

// Close shuts the session down.
func (s *mcpSession) Close() error {
	return s.client.Close()
}

// convertInputSchema converts the SDK's input schema struct to a plain map.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{
		"type": schema.Type,
	}
	if schema.Properties != nil {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	if schema.Defs != nil {
		out["$defs"] = schema.Defs
	}
	return out
}

// convertOutputSchema decodes the server's raw output schema JSON into a
// plain map, or nil when the server advertised none. An unparsable schema
// is dropped rather than failing the listing; the registry can heal it
// from the metadata store.
func convertOutputSchema(serverName, rawName string, raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		logger.Warnf("Server %s advertised an unparsable output schema for tool %s: %v", serverName, rawName, err)
		return nil
	}
	return out
}

// convertContent converts mcp.Content to toolmux.Content.
func convertContent(content mcp.Content) toolmux.Content {
	if textContent, ok := mcp.AsTextContent(content); ok {
		return toolmux.Content{
			Type: "text",
			Text: textContent.Text,
		}
	}
	if imageContent, ok := mcp.AsImageContent(content); ok {
		return toolmux.Content{
			Type:     "image",
			Data:     imageContent.Data,
			MimeType: imageContent.MIMEType,
		}
	}
	if audioContent, ok := mcp.AsAudioContent(content); ok {
		return toolmux.Content{
			Type:     "audio",
			Data:     audioContent.Data,
			MimeType: audioContent.MIMEType,
		}
	}
	logger.Warnf("Encountered unknown content type %T, marking as unknown content", content)
	return toolmux.Content{Type: "unknown"}
}

// captureStdioServerStderr streams a stdio server's stderr into the toolmux
// log so child failures are visible without attaching to the child process.
func captureStdioServerStderr(name string, c *client.Client) {
	stdioTransport, ok := c.GetTransport().(*transport.Stdio)
	if !ok {
		return
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdioTransport.Stderr().Read(buf)
			if n > 0 {
				logger.Infow("child server stderr", "server", name, "output", string(buf[:n]))
			}
			if err != nil {
				if err != io.EOF && !errors.Is(err, os.ErrClosed) {
					logger.Debugw("stopped reading child server stderr", "server", name, "error", err)
				}
				return
			}
		}
	}()
}

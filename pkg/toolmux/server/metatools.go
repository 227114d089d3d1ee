// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/toolmux/pkg/toolmux/index"
	"github.com/stacklok/toolmux/pkg/toolmux/schema"
)

// Names of the meta-tools the facade exposes.
const (
	ListToolsName     = "list_tools"
	DescribeToolsName = "describe_tools"
	FindToolsName     = "find_tools"
	RunCodeName       = "run_code"
)

type describeToolsArgs struct {
	ToolPaths []string `json:"tool_paths" description:"Full serverName/toolName paths of the tools to describe"`
}

type findToolsArgs struct {
	Query string `json:"query" description:"Natural-language description of the capability you need"`
	Limit int    `json:"limit,omitempty" description:"Maximum number of results, default 5"`
}

type runCodeArgs struct {
	Code string `json:"code" description:"Starlark code; call tools as servers.<server>.<tool>(args) or call(\"server/tool\", args), return via a main() function or a top-level result variable"`
}

// Pre-generated schemas for the meta-tools. Generated at package init
// time so any schema error panics at startup.
var (
	listToolsInputSchema     = json.RawMessage(`{"type":"object","properties":{}}`)
	describeToolsInputSchema = mustGenerateSchema[describeToolsArgs]()
	findToolsInputSchema     = mustGenerateSchema[findToolsArgs]()
	runCodeInputSchema       = mustGenerateSchema[runCodeArgs]()
)

// Output wrappers keep the structured content a JSON object.
type describeToolsOutput struct {
	Tools []ToolDetails `json:"tools"`
}

type findToolsOutput struct {
	Results []index.SearchResult `json:"results"`
}

type runCodeOutput struct {
	Result any `json:"result"`
}

// metaTools builds the four facade tools backed by an aggregator.
func metaTools(agg *Aggregator) []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.Tool{
				Name: ListToolsName,
				Description: "List every aggregated tool as one serverName/toolName path per line, " +
					"grouped per server with the server's usage notes.",
				RawInputSchema: listToolsInputSchema,
			},
			Handler: createListToolsHandler(agg),
		},
		{
			Tool: mcp.Tool{
				Name: DescribeToolsName,
				Description: "Describe tools by path: description, input and output schemas, " +
					"and a ready-to-run usage example.",
				RawInputSchema: describeToolsInputSchema,
			},
			Handler: createDescribeToolsHandler(agg),
		},
		{
			Tool: mcp.Tool{
				Name: FindToolsName,
				Description: "Search for tools by describing what you need. " +
					"Returns matching tools ranked by relevance.",
				RawInputSchema: findToolsInputSchema,
			},
			Handler: createFindToolsHandler(agg),
		},
		{
			Tool: mcp.Tool{
				Name: RunCodeName,
				Description: "Run Starlark code that composes aggregated tools " +
					"and return its result.",
				RawInputSchema: runCodeInputSchema,
			},
			Handler: createRunCodeHandler(agg),
		},
	}
}

func createListToolsHandler(agg *Aggregator) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(agg.ListOverview()), nil
	}
}

func createDescribeToolsHandler(agg *Aggregator) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := schema.Translate[describeToolsArgs](request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		details, err := agg.GetToolDetails(args.ToolPaths)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("describe_tools failed: %v", err)), nil
		}

		return mcp.NewToolResultStructuredOnly(describeToolsOutput{Tools: details}), nil
	}
}

func createFindToolsHandler(agg *Aggregator) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := schema.Translate[findToolsArgs](request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Query == "" {
			return mcp.NewToolResultError("invalid arguments: query must not be empty"), nil
		}

		results, err := agg.SemanticSearch(ctx, args.Query, args.Limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("find_tools failed: %v", err)), nil
		}

		return mcp.NewToolResultStructuredOnly(findToolsOutput{Results: results}), nil
	}
}

func createRunCodeHandler(agg *Aggregator) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := schema.Translate[runCodeArgs](request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Code == "" {
			return mcp.NewToolResultError("invalid arguments: code must not be empty"), nil
		}

		result, err := agg.RunComposedCode(ctx, args.Code)
		if err != nil {
			// The failure detail matters to the caller: without the
			// backtrace the model cannot correct its composition code.
			return mcp.NewToolResultError(fmt.Sprintf("run_code failed: %v", err)), nil
		}

		return mcp.NewToolResultStructuredOnly(runCodeOutput{Result: result}), nil
	}
}

// mustGenerateSchema marshals a generated schema, panicking on error.
// Safe because schemas come from known types at startup; this should
// not be called by runtime code.
func mustGenerateSchema[T any]() json.RawMessage {
	data, err := json.Marshal(schema.GenerateSchema[T]())
	if err != nil {
		panic(fmt.Sprintf("failed to marshal schema: %v", err))
	}
	return data
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callMetaTool invokes one meta-tool handler directly, the way the MCP
// server would after decoding a request.
func callMetaTool(t *testing.T, agg *Aggregator, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	for _, tool := range metaTools(agg) {
		if tool.Tool.Name != name {
			continue
		}
		result, err := tool.Handler(t.Context(), mcp.CallToolRequest{
			Params: mcp.CallToolParams{Name: name, Arguments: args},
		})
		require.NoError(t, err, "handlers report failures as tool results, not transport errors")
		return result
	}
	t.Fatalf("no meta-tool named %s", name)
	return nil
}

func TestMetaToolNames(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	var names []string
	for _, tool := range metaTools(agg) {
		names = append(names, tool.Tool.Name)
		assert.NotEmpty(t, tool.Tool.Description)
		assert.NotEmpty(t, tool.Tool.RawInputSchema)
	}
	assert.Equal(t, []string{ListToolsName, DescribeToolsName, FindToolsName, RunCodeName}, names)
}

func TestMetaToolInputSchemas(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	required := map[string][]any{
		ListToolsName:     nil,
		DescribeToolsName: {"tool_paths"},
		FindToolsName:     {"query"},
		RunCodeName:       {"code"},
	}

	for _, tool := range metaTools(agg) {
		var schema map[string]any
		require.NoError(t, json.Unmarshal(tool.Tool.RawInputSchema, &schema), tool.Tool.Name)
		assert.Equal(t, "object", schema["type"], tool.Tool.Name)

		if want := required[tool.Tool.Name]; want != nil {
			assert.Equal(t, want, schema["required"], tool.Tool.Name)
		} else {
			assert.NotContains(t, schema, "required", tool.Tool.Name)
		}
	}
}

func TestListToolsHandler(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	result := callMetaTool(t, agg, ListToolsName, nil)
	require.False(t, result.IsError)

	text := result.Content[0].(mcp.TextContent).Text
	assert.Equal(t, agg.ListOverview(), text)
	assert.Contains(t, text, "weather/get_forecast")
	assert.Contains(t, text, "Forecasts may lag by an hour.")
}

func TestDescribeToolsHandler(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	result := callMetaTool(t, agg, DescribeToolsName, map[string]any{
		"tool_paths": []any{"weather/get_forecast"},
	})
	require.False(t, result.IsError)

	output, ok := result.StructuredContent.(describeToolsOutput)
	require.True(t, ok, "structured content should be %T, got %T", output, result.StructuredContent)
	require.Len(t, output.Tools, 1)
	assert.Contains(t, output.Tools[0].ExampleUsage, "weather/get_forecast")
}

func TestDescribeToolsHandlerRejectsBadArguments(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	result := callMetaTool(t, agg, DescribeToolsName, map[string]any{
		"tool_paths": "weather/get_forecast",
	})
	require.True(t, result.IsError)
	assert.Contains(t, result.Content[0].(mcp.TextContent).Text, "invalid arguments")
}

func TestDescribeToolsHandlerRejectsMalformedPath(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	result := callMetaTool(t, agg, DescribeToolsName, map[string]any{
		"tool_paths": []any{"weather"},
	})
	require.True(t, result.IsError)
	assert.Contains(t, result.Content[0].(mcp.TextContent).Text, "invalid tool path")
}

func TestFindToolsHandler(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	result := callMetaTool(t, agg, FindToolsName, map[string]any{
		"query": "weather forecast",
		"limit": 2,
	})
	require.False(t, result.IsError)

	output, ok := result.StructuredContent.(findToolsOutput)
	require.True(t, ok)
	require.NotEmpty(t, output.Results)
	assert.LessOrEqual(t, len(output.Results), 2)
}

func TestFindToolsHandlerRejectsEmptyQuery(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	result := callMetaTool(t, agg, FindToolsName, map[string]any{"query": ""})
	require.True(t, result.IsError)
	assert.Contains(t, result.Content[0].(mcp.TextContent).Text, "query must not be empty")
}

func TestFindToolsHandlerReportsUninitializedIndex(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())
	agg.index = indexWithoutInitialize()

	result := callMetaTool(t, agg, FindToolsName, map[string]any{"query": "anything"})
	require.True(t, result.IsError)
	assert.Contains(t, result.Content[0].(mcp.TextContent).Text, "not initialized")
}

func TestRunCodeHandler(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	result := callMetaTool(t, agg, RunCodeName, map[string]any{
		"code": "result = 6 * 7",
	})
	require.False(t, result.IsError)

	output, ok := result.StructuredContent.(runCodeOutput)
	require.True(t, ok)
	assert.Equal(t, int64(42), output.Result)
}

func TestRunCodeHandlerComposesTools(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	code := `
def main():
    forecast = servers.weather.get_forecast(city = "Oslo")
    sent = servers.notify.send_message(city = "Oslo")
    return {"forecast_tool": forecast["tool"], "notify_tool": sent["tool"]}
`
	result := callMetaTool(t, agg, RunCodeName, map[string]any{"code": code})
	require.False(t, result.IsError)

	output := result.StructuredContent.(runCodeOutput)
	assert.Equal(t, map[string]any{
		"forecast_tool": "get-forecast",
		"notify_tool":   "send_message",
	}, output.Result)
}

func TestRunCodeHandlerRejectsEmptyCode(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	result := callMetaTool(t, agg, RunCodeName, map[string]any{"code": ""})
	require.True(t, result.IsError)
	assert.Contains(t, result.Content[0].(mcp.TextContent).Text, "code must not be empty")
}

func TestRunCodeHandlerSurfacesScriptFailure(t *testing.T) {
	t.Parallel()
	agg := newTestAggregator(t, weatherNotifyConns())

	result := callMetaTool(t, agg, RunCodeName, map[string]any{
		"code": "result = undefined_name",
	})
	require.True(t, result.IsError)

	text := result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, text, "run_code failed")
	assert.Contains(t, text, "undefined_name", "the failure detail must name the offending symbol")
}

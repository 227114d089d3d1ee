// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolmux/pkg/toolmux"
	"github.com/stacklok/toolmux/pkg/toolmux/config"
)

// fakeSession is a minimal in-memory Session for manager bookkeeping tests.
type fakeSession struct {
	closed bool
}

func (*fakeSession) ListTools(context.Context) ([]toolmux.ToolDescriptor, error) {
	return nil, nil
}

func (*fakeSession) CallTool(context.Context, string, map[string]any) (*toolmux.ToolCallResult, error) {
	return &toolmux.ToolCallResult{}, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func seedSession(m *Manager, name string, s toolmux.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[name] = s
	m.instructions[name] = ""
}

func TestManagerGet(t *testing.T) {
	t.Parallel()

	m := NewManager(time.Second, "0.0.1")
	seedSession(m, "weather", &fakeSession{})

	got, err := m.Get("weather")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = m.Get("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, toolmux.ErrConnectionNotFound)
}

func TestManagerNamesAndCount(t *testing.T) {
	t.Parallel()

	m := NewManager(time.Second, "0.0.1")
	assert.Empty(t, m.Names())
	assert.Zero(t, m.Count())

	seedSession(m, "slack", &fakeSession{})
	seedSession(m, "weather", &fakeSession{})

	assert.Equal(t, []string{"slack", "weather"}, m.Names())
	assert.Equal(t, 2, m.Count())
}

func TestManagerConnectRejectsDuplicate(t *testing.T) {
	t.Parallel()

	m := NewManager(time.Second, "0.0.1")
	seedSession(m, "weather", &fakeSession{})

	err := m.Connect(context.Background(), config.ServerConfig{
		Name:      "weather",
		Transport: config.TransportStdio,
		Command:   "./weather-mcp",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, toolmux.ErrAlreadyRegistered)
}

func TestManagerDialRejectsUnknownTransport(t *testing.T) {
	t.Parallel()

	m := NewManager(time.Second, "0.0.1")
	_, err := m.dial(context.Background(), config.ServerConfig{
		Name:      "weather",
		Transport: "carrier-pigeon",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")
}

func TestManagerCloseAll(t *testing.T) {
	t.Parallel()

	m := NewManager(time.Second, "0.0.1")
	first := &fakeSession{}
	second := &fakeSession{}
	seedSession(m, "weather", first)
	seedSession(m, "slack", second)

	m.CloseAll()

	assert.Zero(t, m.Count())
	assert.True(t, first.closed)
	assert.True(t, second.closed)
}

func TestManagerInstructions(t *testing.T) {
	t.Parallel()

	m := NewManager(time.Second, "0.0.1")
	m.mu.Lock()
	m.sessions["weather"] = &fakeSession{}
	m.instructions["weather"] = "Call get-forecast before get-alerts."
	m.mu.Unlock()

	assert.Equal(t, "Call get-forecast before get-alerts.", m.Instructions("weather"))
	assert.Empty(t, m.Instructions("missing"))
}

func TestConvertInputSchema(t *testing.T) {
	t.Parallel()

	schema := convertInputSchema(mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"city": map[string]any{"type": "string"},
		},
		Required: []string{"city"},
	})

	assert.Equal(t, "object", schema["type"])
	assert.Contains(t, schema, "properties")
	assert.Equal(t, []string{"city"}, schema["required"])
	assert.NotContains(t, schema, "$defs")
}

func TestConvertOutputSchema(t *testing.T) {
	t.Parallel()

	assert.Nil(t, convertOutputSchema("weather", "get-forecast", nil))
	assert.Nil(t, convertOutputSchema("weather", "get-forecast", []byte("{not json")))

	schema := convertOutputSchema("weather", "get-forecast",
		[]byte(`{"type":"object","properties":{"temperature":{"type":"number"}}}`))
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema["type"])
	assert.Contains(t, schema, "properties")
}

func TestConvertContent(t *testing.T) {
	t.Parallel()

	text := convertContent(mcp.TextContent{Type: "text", Text: "hello"})
	assert.Equal(t, "text", text.Type)
	assert.Equal(t, "hello", text.Text)

	image := convertContent(mcp.ImageContent{Type: "image", Data: "aGk=", MIMEType: "image/png"})
	assert.Equal(t, "image", image.Type)
	assert.Equal(t, "aGk=", image.Data)
	assert.Equal(t, "image/png", image.MimeType)
}

package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/osprey/pkg/tools"
)

func TestRegisterProxies(t *testing.T) {
	schemas := map[string]json.RawMessage{
		"web-scan": json.RawMessage(`{
			"$schema": "https://json-schema.org/draft/2020-12/schema",
			"type": "object",
			"properties": {"target": {"type": "string"}},
			"required": ["target"]
		}`),
	}
	ts := startTestServerSchemas(t, "nuclei", map[string]mcpsdk.ToolHandler{
		"web-scan": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args struct {
				Target string `json:"target"`
			}
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return textResult("parse error: " + err.Error()), nil
			}
			return textResult("scanned " + args.Target), nil
		},
	}, schemas)

	client := connectClientDirect(t, "nuclei", ts.clientTransport)
	reg := tools.NewRegistry()
	require.NoError(t, RegisterProxies(context.Background(), client, reg))

	require.True(t, reg.Has("nuclei__web-scan"))

	// The catalogue entry carries the cleaned schema.
	var spec map[string]any
	for _, s := range reg.Catalog() {
		if s.Name == "nuclei__web-scan" {
			spec = s.Parameters
		}
	}
	require.NotNil(t, spec)
	assert.NotContains(t, spec, "$schema")

	// Call through the canonical name.
	result := reg.Execute(context.Background(), "nuclei__web-scan", map[string]any{"target": "10.0.0.5"})
	require.Equal(t, tools.StatusSuccess, result.Status, result.Output)
	assert.Equal(t, "scanned 10.0.0.5", result.Output)

	// Models mangle hyphens; the underscore alias routes to the same proxy.
	result = reg.Execute(context.Background(), "nuclei__web_scan", map[string]any{"target": "10.0.0.6"})
	require.Equal(t, tools.StatusSuccess, result.Status, result.Output)
	assert.Equal(t, "scanned 10.0.0.6", result.Output)
}

func TestRegisterProxiesValidatesArguments(t *testing.T) {
	schemas := map[string]json.RawMessage{
		"web-scan": json.RawMessage(`{"type":"object","properties":{"target":{"type":"string"}},"required":["target"]}`),
	}
	called := false
	ts := startTestServerSchemas(t, "nuclei", map[string]mcpsdk.ToolHandler{
		"web-scan": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			called = true
			return textResult("ok"), nil
		},
	}, schemas)

	client := connectClientDirect(t, "nuclei", ts.clientTransport)
	reg := tools.NewRegistry()
	require.NoError(t, RegisterProxies(context.Background(), client, reg))

	result := reg.Execute(context.Background(), "nuclei__web-scan", map[string]any{})
	assert.Equal(t, tools.StatusError, result.Status)
	assert.False(t, called, "the remote server must not see schema-invalid calls")
}

func TestRegisterProxiesErrorResult(t *testing.T) {
	ts := startTestServer(t, "nuclei", map[string]mcpsdk.ToolHandler{
		"flaky": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "target unreachable"}},
				IsError: true,
			}, nil
		},
	})

	client := connectClientDirect(t, "nuclei", ts.clientTransport)
	reg := tools.NewRegistry()
	require.NoError(t, RegisterProxies(context.Background(), client, reg))

	result := reg.Execute(context.Background(), "nuclei__flaky", map[string]any{})
	assert.Equal(t, tools.StatusError, result.Status)
	assert.Equal(t, "target unreachable", result.Output)
}

func TestRegisterProxiesSkipsDisconnectedServers(t *testing.T) {
	client := NewClient(nil)
	reg := tools.NewRegistry()

	require.NoError(t, RegisterProxies(context.Background(), client, reg))
	assert.Empty(t, reg.Names())
}

func TestProxyName(t *testing.T) {
	assert.Equal(t, "burp__send_request", ProxyName("burp", "send_request"))
}

func TestExtractTextContent(t *testing.T) {
	result := &mcpsdk.CallToolResult{Content: []mcpsdk.Content{
		&mcpsdk.TextContent{Text: "part one"},
		&mcpsdk.TextContent{Text: "part two"},
	}}
	assert.Equal(t, "part one\npart two", extractTextContent(result))

	assert.Equal(t, "", extractTextContent(&mcpsdk.CallToolResult{}))
}

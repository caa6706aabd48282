package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/osprey-sec/osprey/pkg/tools"
)

// ProxyName is the registry name of a remote tool: "{server}__{tool}".
// Double underscore because function-calling APIs reject dots in names.
func ProxyName(server, tool string) string {
	return server + "__" + tool
}

// RegisterProxies lists the tools of every connected server and registers
// each as a proxy in the registry. Proxy names with hyphens also get an
// all-underscore alias, since models reliably mangle hyphenated names.
// Servers that fail to list are skipped with a warning; the run proceeds
// with the builtins.
func RegisterProxies(ctx context.Context, client *Client, reg *tools.Registry) error {
	for _, server := range client.ServerNames() {
		if !client.HasSession(server) {
			continue
		}
		remoteTools, err := client.ListTools(ctx, server)
		if err != nil {
			slog.Warn("Failed to list tools from tool server",
				"server", server, "error", err)
			continue
		}

		for _, tool := range remoteTools {
			name := ProxyName(server, tool.Name)
			schema := proxySchema(tool)
			handler := proxyHandler(client, server, tool.Name)

			if err := reg.Register(name, tool.Description, schema, handler); err != nil {
				return fmt.Errorf("registering proxy %s: %w", name, err)
			}
			if alias := strings.ReplaceAll(name, "-", "_"); alias != name {
				reg.Alias(alias, name)
			}
		}
		slog.Info("Registered tool server proxies",
			"server", server, "tools", len(remoteTools))
	}
	return nil
}

// proxyHandler forwards a validated call to the remote server and flattens
// the result into text. Remote errors come back as error results, never as
// handler crashes.
func proxyHandler(client *Client, server, tool string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (*tools.Result, error) {
		result, err := client.CallTool(ctx, server, tool, args)
		if err != nil {
			return tools.Errf("%s__%s failed: %v", server, tool, err), nil
		}
		content := extractTextContent(result)
		if result.IsError {
			return &tools.Result{Status: tools.StatusError, Output: content}, nil
		}
		return tools.Ok(content), nil
	}
}

// proxySchema converts a remote tool's input schema into registry form with
// the meta-schema reference stripped. Unparseable schemas degrade to an open
// object so the tool stays callable.
func proxySchema(tool *mcpsdk.Tool) map[string]any {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil || len(raw) == 0 || string(raw) == "null" {
		return map[string]any{"type": "object"}
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return map[string]any{"type": "object"}
	}
	return tools.CleanSchema(schema)
}

// extractTextContent flattens a call result. Text parts are concatenated;
// non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("Tool server returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

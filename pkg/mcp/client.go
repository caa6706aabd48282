// Package mcp connects to the remote tool servers declared in a target
// profile and bridges their tools into the tool registry as proxies.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/osprey-sec/osprey/pkg/config"
	"github.com/osprey-sec/osprey/pkg/version"
)

// Client manages SDK sessions for the tool servers of one run.
// Thread-safe: fan-out agents share one client.
type Client struct {
	configs map[string]config.ToolServerConfig

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession
	failedServers map[string]string

	// Tool cache, populated on first ListTools. A client lives for one run,
	// so the cache is naturally fresh.
	toolCache   map[string][]*mcpsdk.Tool
	toolCacheMu sync.RWMutex

	// Per-server mutex for session (re)creation to prevent thundering herd.
	reinitMu sync.Map // server name → *sync.Mutex

	logger *slog.Logger
}

// NewClient builds a client for the given tool-server declarations. Nothing
// is connected until Initialize.
func NewClient(servers []config.ToolServerConfig) *Client {
	configs := make(map[string]config.ToolServerConfig, len(servers))
	for _, s := range servers {
		configs[s.Name] = s
	}
	return &Client{
		configs:       configs,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
		logger:        slog.Default(),
	}
}

// ServerNames returns the declared server names, connected or not.
func (c *Client) ServerNames() []string {
	names := make([]string, 0, len(c.configs))
	for name := range c.configs {
		names = append(names, name)
	}
	return names
}

// Initialize connects to every declared server. Servers that fail to connect
// are recorded in failedServers; the caller decides whether that is fatal.
func (c *Client) Initialize(ctx context.Context) error {
	for name := range c.configs {
		if err := c.InitializeServer(ctx, name); err != nil {
			c.mu.Lock()
			c.failedServers[name] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("Tool server failed to initialize",
				"server", name, "error", err)
		}
	}
	return nil
}

// InitializeServer connects to a single server. Returns nil if already
// connected. Uses a per-server mutex to serialize concurrent attempts.
func (c *Client) InitializeServer(ctx context.Context, name string) error {
	muI, _ := c.reinitMu.LoadOrStore(name, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	return c.initializeServerLocked(ctx, name)
}

// initializeServerLocked performs the actual connection. Caller must hold
// the per-server reinitMu lock.
func (c *Client) initializeServerLocked(ctx context.Context, name string) error {
	c.mu.RLock()
	if _, exists := c.sessions[name]; exists {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	serverCfg, ok := c.configs[name]
	if !ok {
		return fmt.Errorf("tool server %q is not declared in the profile", name)
	}

	transport, err := createTransport(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to create transport for %q: %w", name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it implements io.Closer so a failed stdio
		// handshake does not leak the child process.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to connect to %q: %w", name, err)
	}

	c.mu.Lock()
	c.sessions[name] = session
	delete(c.failedServers, name)
	c.mu.Unlock()

	c.logger.Info("Tool server connected", "server", name)
	return nil
}

// ListTools returns the tools of one server. Uses cache if available.
func (c *Client) ListTools(ctx context.Context, name string) ([]*mcpsdk.Tool, error) {
	// Lock ordering: never acquire c.mu while holding toolCacheMu.
	c.toolCacheMu.RLock()
	if cached, ok := c.toolCache[name]; ok {
		c.toolCacheMu.RUnlock()
		return cached, nil
	}
	c.toolCacheMu.RUnlock()

	c.mu.RLock()
	session, exists := c.sessions[name]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for server %q", name)
	}

	opCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", name, err)
	}

	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	c.toolCacheMu.Lock()
	c.toolCache[name] = tools
	c.toolCacheMu.Unlock()

	return tools, nil
}

// CallTool executes one tool call. Transport failures get a single retry
// after a jittered backoff, recreating the session when the transport died.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	}

	result, err := c.callToolOnce(ctx, server, params)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}

	c.logger.Info("Tool server call failed, retrying",
		"server", server, "tool", tool,
		"action", action, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := c.recreateSession(ctx, server); err != nil {
			return nil, fmt.Errorf("session recreation failed for %q: %w", server, err)
		}
	}

	result, err = c.callToolOnce(ctx, server, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %s__%s: %w", server, tool, err)
	}
	return result, nil
}

func (c *Client) callToolOnce(ctx context.Context, server string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	c.mu.RLock()
	session, exists := c.sessions[server]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for server %q", server)
	}

	opCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	return session.CallTool(opCtx, params)
}

// recreateSession tears down and reconnects one server. If two goroutines
// race here the second does an extra teardown of a fresh session; the cost
// is one redundant reconnect, acceptable for simplicity.
func (c *Client) recreateSession(ctx context.Context, name string) error {
	muI, _ := c.reinitMu.LoadOrStore(name, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if session, exists := c.sessions[name]; exists {
		_ = session.Close()
		delete(c.sessions, name)
	}
	c.mu.Unlock()

	c.InvalidateToolCache(name)

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()

	return c.initializeServerLocked(reinitCtx, name)
}

// Close shuts down all sessions and transports.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", name, err)
		}
	}

	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.failedServers = make(map[string]string)

	// Lock ordering note: mu → toolCacheMu is safe here because no other
	// code path holds toolCacheMu while acquiring mu.
	c.toolCacheMu.Lock()
	c.toolCache = make(map[string][]*mcpsdk.Tool)
	c.toolCacheMu.Unlock()

	return firstErr
}

// InvalidateToolCache drops the cached tool list for a server, forcing the
// next ListTools to re-probe it.
func (c *Client) InvalidateToolCache(name string) {
	c.toolCacheMu.Lock()
	delete(c.toolCache, name)
	c.toolCacheMu.Unlock()
}

// HasSession checks if a server has an active session.
func (c *Client) HasSession(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.sessions[name]
	return exists
}

// FailedServers returns the servers that failed to initialize with their
// error messages.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]string, len(c.failedServers))
	for k, v := range c.failedServers {
		result[k] = v
	}
	return result
}

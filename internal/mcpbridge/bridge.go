// Package mcpbridge connects to external MCP tool-provider servers over
// mcp-go's client transports and registers their advertised tools into the
// local catalog, forwarding invocations back to the remote server. It is a
// second tool-provider path alongside the compiled-bundle loader: a plugin
// author can point at an already-running MCP server instead of shipping a
// compiled bundle.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fred-drake/carapace/internal/catalog"
	"github.com/fred-drake/carapace/pkg/protocol"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerConfig describes one external MCP server to bridge into the catalog.
type ServerConfig struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport"` // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
}

// mcpClient is the subset of *mcpclient.Client the bridge depends on,
// narrowed to an interface so tests can substitute a fake transport instead
// of dialing a real MCP server.
type mcpClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// newClient is overridable in tests to avoid dialing a real MCP server.
var newClient = createClient

// server tracks one connected backend's live state.
type server struct {
	cfg       ServerConfig
	client    mcpClient
	toolNames []string
	cancel    context.CancelFunc
}

// Bridge owns the set of connected external MCP servers and the tool names
// it has registered into the catalog on their behalf.
type Bridge struct {
	catalog *catalog.Catalog

	mu      sync.Mutex
	servers map[string]*server
}

// New returns a Bridge that registers discovered tools into cat.
func New(cat *catalog.Catalog) *Bridge {
	return &Bridge{catalog: cat, servers: make(map[string]*server)}
}

// Connect dials one external MCP server, performs the MCP handshake, lists
// its tools, registers each as a catalog entry whose handler forwards to
// the remote server's CallTool, and starts a background health/reconnect
// loop for the connection.
func (b *Bridge) Connect(ctx context.Context, cfg ServerConfig) error {
	client, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("mcpbridge: create client for %s: %w", cfg.Name, err)
	}
	if cfg.Transport != "stdio" {
		if startErr := client.Start(ctx); startErr != nil {
			_ = client.Close()
			return fmt.Errorf("mcpbridge: start transport for %s: %w", cfg.Name, startErr)
		}
	}

	registered, err := b.handshakeAndRegister(ctx, cfg, client)
	if err != nil {
		_ = client.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	srv := &server{cfg: cfg, client: client, toolNames: registered, cancel: cancel}
	b.mu.Lock()
	b.servers[cfg.Name] = srv
	b.mu.Unlock()

	go b.healthLoop(loopCtx, cfg.Name)

	slog.Info("mcpbridge.server_connected", "server", cfg.Name, "transport", cfg.Transport)
	return nil
}

func (b *Bridge) handshakeAndRegister(ctx context.Context, cfg ServerConfig, client mcpClient) ([]string, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "carapace", Version: fmt.Sprintf("protocol-%d", protocol.ProtocolVersion)}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("mcpbridge: initialize %s: %w", cfg.Name, err)
	}

	toolsResult, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: list tools for %s: %w", cfg.Name, err)
	}

	var registered []string
	for _, remote := range toolsResult.Tools {
		decl, err := declarationFor(cfg, remote)
		if err != nil {
			slog.Warn("mcpbridge.tool_schema_invalid", "server", cfg.Name, "tool", remote.Name, "error", err)
			continue
		}
		if err := b.catalog.Register(decl, forwardHandler(client, remote.Name)); err != nil {
			slog.Warn("mcpbridge.tool_register_skipped", "server", cfg.Name, "tool", decl.Name, "error", err)
			continue
		}
		registered = append(registered, decl.Name)
	}
	return registered, nil
}

// Disconnect closes one server's connection and unregisters its tools.
func (b *Bridge) Disconnect(name string) {
	b.mu.Lock()
	srv := b.servers[name]
	delete(b.servers, name)
	b.mu.Unlock()
	if srv == nil {
		return
	}
	srv.cancel()
	for _, toolName := range srv.toolNames {
		b.catalog.Unregister(toolName)
	}
	_ = srv.client.Close()
}

// DisconnectAll tears down every bridged server, used on core shutdown.
func (b *Bridge) DisconnectAll() {
	b.mu.Lock()
	names := make([]string, 0, len(b.servers))
	for name := range b.servers {
		names = append(names, name)
	}
	b.mu.Unlock()
	for _, name := range names {
		b.Disconnect(name)
	}
}

// ServerNames reports the currently connected server names, for diagnostics.
func (b *Bridge) ServerNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.servers))
	for name := range b.servers {
		out = append(out, name)
	}
	return out
}

// healthLoop pings the backend periodically and reconnects with exponential
// backoff on failure, giving up after a bounded number of attempts.
func (b *Bridge) healthLoop(ctx context.Context, name string) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			srv := b.servers[name]
			b.mu.Unlock()
			if srv == nil {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := srv.client.Ping(pingCtx)
			cancel()
			if err == nil || strings.Contains(err.Error(), "method not found") {
				continue
			}
			slog.Warn("mcpbridge.health_check_failed", "server", name, "error", err)
			b.reconnect(ctx, name)
		}
	}
}

func (b *Bridge) reconnect(ctx context.Context, name string) {
	b.mu.Lock()
	srv := b.servers[name]
	b.mu.Unlock()
	if srv == nil {
		return
	}
	for _, toolName := range srv.toolNames {
		b.catalog.Unregister(toolName)
	}
	_ = srv.client.Close()

	backoff := initialBackoff
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		var registered []string
		client, err := newClient(srv.cfg)
		if err == nil && srv.cfg.Transport != "stdio" {
			err = client.Start(ctx)
		}
		if err == nil {
			registered, err = b.handshakeAndRegister(ctx, srv.cfg, client)
		}
		if err == nil {
			b.mu.Lock()
			srv.client = client
			srv.toolNames = registered
			b.mu.Unlock()
			slog.Info("mcpbridge.reconnected", "server", name, "attempt", attempt)
			return
		}
		slog.Warn("mcpbridge.reconnect_attempt_failed", "server", name, "attempt", attempt, "error", err)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	slog.Error("mcpbridge.reconnect_abandoned", "server", name, "attempts", maxReconnectAttempts)
}

func forwardHandler(client mcpClient, remoteName string) catalog.Handler {
	return func(ctx context.Context, req catalog.Request) (json.RawMessage, error) {
		var args map[string]any
		if len(req.Arguments) > 0 {
			if err := json.Unmarshal(req.Arguments, &args); err != nil {
				return nil, &catalog.HandlerError{Message: fmt.Sprintf("decode arguments: %v", err)}
			}
		}
		callReq := mcp.CallToolRequest{}
		callReq.Params.Name = remoteName
		callReq.Params.Arguments = args

		result, err := client.CallTool(ctx, callReq)
		if err != nil {
			return nil, fmt.Errorf("mcpbridge: call %s: %w", remoteName, err)
		}
		text := contentToText(result.Content)
		if result.IsError {
			return nil, &catalog.HandlerError{Message: text}
		}
		return json.Marshal(map[string]any{"text": text})
	}
}

func contentToText(content []mcp.Content) string {
	var b strings.Builder
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// declarationFor builds a catalog.ToolDeclaration from a remote MCP tool,
// normalizing its input schema to satisfy the catalog's complexity budget:
// registration requires additionalProperties:false, which not every
// external MCP server's schema sets.
func declarationFor(cfg ServerConfig, remote mcp.Tool) (protocol.ToolDeclaration, error) {
	raw, err := json.Marshal(remote.InputSchema)
	if err != nil {
		return protocol.ToolDeclaration{}, fmt.Errorf("marshal input schema: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return protocol.ToolDeclaration{}, fmt.Errorf("decode input schema: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if doc["type"] == nil {
		doc["type"] = "object"
	}
	if _, ok := doc["additionalProperties"]; !ok {
		doc["additionalProperties"] = false
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return protocol.ToolDeclaration{}, err
	}

	return protocol.ToolDeclaration{
		Name:            normalizeName(cfg.ToolPrefix, cfg.Name, remote.Name),
		Description:     remote.Description,
		RiskLevel:       protocol.RiskMedium, // remote origin, unlike an operator-installed bundle
		ArgumentsSchema: json.RawMessage(normalized),
	}, nil
}

// normalizeName folds a remote tool's name into Carapace's tool-name
// pattern, prefixed so two servers can both expose e.g. "search" without
// colliding in the catalog.
func normalizeName(prefix, serverName, toolName string) string {
	base := prefix
	if base == "" {
		base = serverName
	}
	base = base + "_" + toolName
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if len(base) > 63 {
		base = base[:63]
	}
	return base
}

func createClient(cfg ServerConfig) (mcpClient, error) {
	switch cfg.Transport {
	case "stdio":
		envSlice := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			envSlice = append(envSlice, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice, cfg.Args...)
	case "sse":
		return mcpclient.NewSSEMCPClient(cfg.URL)
	case "streamable-http":
		return mcpclient.NewStreamableHttpClient(cfg.URL)
	default:
		return nil, fmt.Errorf("mcpbridge: unsupported transport %q", cfg.Transport)
	}
}

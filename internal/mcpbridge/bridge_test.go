package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fred-drake/carapace/internal/catalog"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// fakeClient is an in-memory mcpClient double so tests never dial a real
// MCP server transport.
type fakeClient struct {
	mu          sync.Mutex
	tools       []mcp.Tool
	pingErr     error
	callResult  *mcp.CallToolResult
	callErr     error
	closed      bool
	lastCallReq mcp.CallToolRequest
}

func (f *fakeClient) Start(ctx context.Context) error { return nil }

func (f *fakeClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (f *fakeClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.lastCallReq = req
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("ok")}}, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func withFakeClient(t *testing.T, fc *fakeClient) {
	t.Helper()
	orig := newClient
	newClient = func(cfg ServerConfig) (mcpClient, error) { return fc, nil }
	t.Cleanup(func() { newClient = orig })
}

func TestConnectRegistersDiscoveredToolsIntoCatalog(t *testing.T) {
	fc := &fakeClient{tools: []mcp.Tool{
		{Name: "search", Description: "search the docs", InputSchema: mcp.ToolInputSchema{Type: "object"}},
	}}
	withFakeClient(t, fc)

	cat := catalog.New()
	b := New(cat)
	if err := b.Connect(context.Background(), ServerConfig{Name: "docs", Transport: "stdio", Command: "docs-server"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !cat.Has("docs_search") {
		t.Fatalf("expected tool %q to be registered, catalog has: %v", "docs_search", cat.ListByGroup(""))
	}
}

func TestConnectAppliesToolPrefixWhenSet(t *testing.T) {
	fc := &fakeClient{tools: []mcp.Tool{{Name: "search", InputSchema: mcp.ToolInputSchema{Type: "object"}}}}
	withFakeClient(t, fc)

	cat := catalog.New()
	b := New(cat)
	if err := b.Connect(context.Background(), ServerConfig{Name: "docs", Transport: "stdio", ToolPrefix: "ext"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !cat.Has("ext_search") {
		t.Errorf("expected prefix-qualified tool name ext_search to be registered")
	}
}

func TestConnectNormalizesSchemaMissingAdditionalProperties(t *testing.T) {
	fc := &fakeClient{tools: []mcp.Tool{{Name: "run", InputSchema: mcp.ToolInputSchema{Type: "object"}}}}
	withFakeClient(t, fc)

	cat := catalog.New()
	b := New(cat)
	if err := b.Connect(context.Background(), ServerConfig{Name: "svc", Transport: "stdio"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	reg, ok := cat.Lookup("svc_run")
	if !ok {
		t.Fatalf("expected svc_run registered")
	}
	var doc map[string]any
	if err := json.Unmarshal(reg.Decl.ArgumentsSchema, &doc); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if doc["additionalProperties"] != false {
		t.Errorf("expected additionalProperties:false to be injected, got %v", doc["additionalProperties"])
	}
}

func TestDisconnectUnregistersToolsAndClosesClient(t *testing.T) {
	fc := &fakeClient{tools: []mcp.Tool{{Name: "search", InputSchema: mcp.ToolInputSchema{Type: "object"}}}}
	withFakeClient(t, fc)

	cat := catalog.New()
	b := New(cat)
	if err := b.Connect(context.Background(), ServerConfig{Name: "docs", Transport: "stdio"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	b.Disconnect("docs")

	if cat.Has("docs_search") {
		t.Error("expected docs_search to be unregistered after Disconnect")
	}
	fc.mu.Lock()
	closed := fc.closed
	fc.mu.Unlock()
	if !closed {
		t.Error("expected the client to be closed on Disconnect")
	}
}

func TestDisconnectAllTearsDownEveryServer(t *testing.T) {
	fc1 := &fakeClient{tools: []mcp.Tool{{Name: "a", InputSchema: mcp.ToolInputSchema{Type: "object"}}}}
	fc2 := &fakeClient{tools: []mcp.Tool{{Name: "b", InputSchema: mcp.ToolInputSchema{Type: "object"}}}}
	cat := catalog.New()
	b := New(cat)

	orig := newClient
	t.Cleanup(func() { newClient = orig })

	newClient = func(cfg ServerConfig) (mcpClient, error) {
		if cfg.Name == "one" {
			return fc1, nil
		}
		return fc2, nil
	}
	if err := b.Connect(context.Background(), ServerConfig{Name: "one", Transport: "stdio"}); err != nil {
		t.Fatalf("connect one: %v", err)
	}
	if err := b.Connect(context.Background(), ServerConfig{Name: "two", Transport: "stdio"}); err != nil {
		t.Fatalf("connect two: %v", err)
	}

	b.DisconnectAll()

	if len(b.ServerNames()) != 0 {
		t.Errorf("expected no servers left after DisconnectAll, got %v", b.ServerNames())
	}
	if cat.Has("one_a") || cat.Has("two_b") {
		t.Error("expected every bridged tool unregistered after DisconnectAll")
	}
}

func TestForwardHandlerCallsRemoteToolAndUnwrapsText(t *testing.T) {
	fc := &fakeClient{callResult: &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("42")}}}
	handler := forwardHandler(fc, "answer")

	out, err := handler(context.Background(), catalog.Request{Arguments: json.RawMessage(`{"question":"life"}`)})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["text"] != "42" {
		t.Errorf("expected forwarded text %q, got %q", "42", decoded["text"])
	}
	if fc.lastCallReq.Params.Name != "answer" {
		t.Errorf("expected remote tool name %q forwarded, got %q", "answer", fc.lastCallReq.Params.Name)
	}
}

func TestForwardHandlerSurfacesRemoteToolError(t *testing.T) {
	fc := &fakeClient{callResult: &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.NewTextContent("bad input")}}}
	handler := forwardHandler(fc, "answer")

	_, err := handler(context.Background(), catalog.Request{})
	var he *catalog.HandlerError
	if !errors.As(err, &he) || he.Message != "bad input" {
		t.Errorf("expected a HandlerError carrying the remote error text, got %v", err)
	}
}

func TestForwardHandlerRejectsUndecodableArguments(t *testing.T) {
	fc := &fakeClient{}
	handler := forwardHandler(fc, "answer")

	_, err := handler(context.Background(), catalog.Request{Arguments: json.RawMessage(`not json`)})
	if err == nil {
		t.Error("expected an error for undecodable arguments")
	}
}

func TestNormalizeNameFoldsToPatternSafeCharacters(t *testing.T) {
	got := normalizeName("", "My Server!", "Do Thing")
	want := "my_server__do_thing"
	if got != want {
		t.Errorf("normalizeName() = %q, want %q", got, want)
	}
}

func TestConnectSkipsUnregistrableToolButKeepsOthers(t *testing.T) {
	// A remote tool whose name collides with an already-registered one is
	// skipped; the rest of the server's tools still register.
	cat := catalog.New()
	preExisting := protocol.ToolDeclaration{
		Name:            "docs_search",
		RiskLevel:       protocol.RiskLow,
		ArgumentsSchema: json.RawMessage(`{"type":"object","additionalProperties":false,"properties":{}}`),
	}
	if err := cat.Register(
		preExisting,
		func(ctx context.Context, req catalog.Request) (json.RawMessage, error) { return nil, nil },
	); err != nil {
		t.Fatalf("pre-register: %v", err)
	}

	fc := &fakeClient{tools: []mcp.Tool{
		{Name: "search", InputSchema: mcp.ToolInputSchema{Type: "object"}},
		{Name: "fetch", InputSchema: mcp.ToolInputSchema{Type: "object"}},
	}}
	withFakeClient(t, fc)

	b := New(cat)
	if err := b.Connect(context.Background(), ServerConfig{Name: "docs", Transport: "stdio"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !cat.Has("docs_fetch") {
		t.Error("expected the non-colliding tool docs_fetch to still register")
	}
}

// Package catalog maps tool names to their declaration, compiled argument
// schema, and handler.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fred-drake/carapace/pkg/protocol"
)

// Request is what the pipeline hands to a handler at dispatch time.
type Request struct {
	SessionID   string
	Group       string
	ToolName    string
	Correlation string
	Arguments   json.RawMessage
}

// Handler is the capability a plugin registers: given a request, produce a
// result or a structured error. A handler that needs to signal a
// domain-level failure (as opposed to a Go-level panic/timeout) returns a
// *HandlerError; any other non-nil error is treated as PLUGIN_ERROR at the
// pipeline edge.
type Handler func(ctx context.Context, req Request) (json.RawMessage, error)

// HandlerError is a structured failure a handler returns deliberately, as
// opposed to an unexpected panic or plain error.
type HandlerError struct {
	Message string
}

func (e *HandlerError) Error() string { return e.Message }

// Registration pairs a declaration with its compiled schema and handler.
type Registration struct {
	Decl    protocol.ToolDeclaration
	Schema  *CompiledSchema
	Handler Handler
}

// Catalog is write-mostly at startup (plus per-plugin registration during
// load); after load it is read-only concurrent and readers never contend.
// The RWMutex here protects the registration window itself.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]*Registration
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{byName: make(map[string]*Registration)}
}

// Register validates decl and schema against the complexity budget, then
// adds it to the catalog. Fails if the name is reserved, duplicate, or the
// schema violates the budget.
func (c *Catalog) Register(decl protocol.ToolDeclaration, handler Handler) error {
	if !protocol.ToolNamePattern.MatchString(decl.Name) {
		return fmt.Errorf("tool name %q does not match pattern", decl.Name)
	}
	if _, reserved := protocol.ReservedToolNames[decl.Name]; reserved {
		return fmt.Errorf("tool name %q is reserved", decl.Name)
	}

	schema, err := CompileSchema(decl.ArgumentsSchema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", decl.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byName[decl.Name]; exists {
		return fmt.Errorf("tool name %q is already registered", decl.Name)
	}
	c.byName[decl.Name] = &Registration{Decl: decl, Schema: schema, Handler: handler}
	return nil
}

// Unregister removes a previously registered tool, used when a plugin
// bundle is unloaded or an MCP-style server connection is torn down.
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byName, name)
}

// Has reports whether name is currently registered.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byName[name]
	return ok
}

// Lookup returns the registration for name.
func (c *Catalog) Lookup(name string) (*Registration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byName[name]
	return r, ok
}

// ListByGroup returns every declaration currently registered. Carapace's
// catalog has no per-group tool scoping of its own (authorisation is a
// separate pipeline stage) — this lists the full registry for
// diagnostic / list_tools style callers, group is accepted for forward
// compatibility with a future per-group registry split.
func (c *Catalog) ListByGroup(_ string) []protocol.ToolDeclaration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.ToolDeclaration, 0, len(c.byName))
	for _, r := range c.byName {
		out = append(out, r.Decl)
	}
	return out
}

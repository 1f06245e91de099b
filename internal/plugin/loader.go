// Package plugin discovers trusted in-process plugin bundles, validates
// their manifest against the catalog, and passes the catalog to each
// bundle's Handler.Initialize. The loader does not register the manifest's
// tools itself; a handler registers its own tools from Initialize. Dynamic
// loading uses the standard library's plugin package: bundles are trusted
// in-process extensions, not sandboxed subprocesses.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	gopath "path/filepath"
	"plugin"
	"sync"
	"time"

	"github.com/fred-drake/carapace/internal/catalog"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// Manifest is a bundle's declared tools and metadata.
type Manifest struct {
	Name    string                     `json:"name"`
	Version string                     `json:"version"`
	Tools   []protocol.ToolDeclaration `json:"tools"`
}

// FailureCategory names why a bundle failed to load, exposed to
// observability.
type FailureCategory string

const (
	FailureInvalidManifest FailureCategory = "invalid_manifest"
	FailureMissingHandler  FailureCategory = "missing_handler"
	FailureInitError       FailureCategory = "init_error"
	FailureTimeout         FailureCategory = "timeout"
	FailureCollision       FailureCategory = "collision"
)

// LoadError reports why one bundle failed to load.
type LoadError struct {
	Bundle   string
	Category FailureCategory
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Bundle, e.Category, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Services is what a handler's initialize(services) receives. It is
// deliberately narrow: a handler gets the ability to register tools, not a
// back-pointer to the whole core.
type Services struct {
	Catalog *catalog.Catalog
}

// Handler is the shape every bundle's entry point (a compiled .so's
// exported "Handler" symbol) must implement.
type Handler interface {
	Initialize(ctx context.Context, services Services) error
	Shutdown(ctx context.Context) error
}

// Loader discovers and loads bundles under a set of root directories.
type Loader struct {
	roots       []string
	catalog     *catalog.Catalog
	initTimeout time.Duration

	mu     sync.Mutex
	loaded map[string]Handler // bundle name -> handler, for Shutdown
}

// NewLoader builds a Loader.
func NewLoader(roots []string, cat *catalog.Catalog, initTimeout time.Duration) *Loader {
	if initTimeout <= 0 {
		initTimeout = 10 * time.Second
	}
	return &Loader{roots: roots, catalog: cat, initTimeout: initTimeout, loaded: make(map[string]Handler)}
}

// LoadAll discovers every manifest.json under the configured roots and
// loads each bundle, continuing past individual failures and returning
// the accumulated errors.
func (l *Loader) LoadAll(ctx context.Context) []error {
	var errs []error
	for _, root := range l.roots {
		_ = gopath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || gopath.Base(path) != "manifest.json" {
				return nil
			}
			if loadErr := l.loadBundle(ctx, gopath.Dir(path)); loadErr != nil {
				errs = append(errs, loadErr)
				slog.Warn("plugin.load_failed", "bundle", gopath.Dir(path), "error", loadErr)
			}
			return nil
		})
	}
	return errs
}

func (l *Loader) loadBundle(ctx context.Context, dir string) error {
	manifestPath := gopath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return &LoadError{Bundle: dir, Category: FailureInvalidManifest, Err: err}
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return &LoadError{Bundle: dir, Category: FailureInvalidManifest, Err: err}
	}
	for _, decl := range manifest.Tools {
		if _, err := catalog.CompileSchema(decl.ArgumentsSchema); err != nil {
			return &LoadError{Bundle: dir, Category: FailureInvalidManifest, Err: err}
		}
		if !protocol.ToolNamePattern.MatchString(decl.Name) {
			return &LoadError{Bundle: dir, Category: FailureInvalidManifest, Err: fmt.Errorf("tool name %q invalid", decl.Name)}
		}
		if _, reserved := protocol.ReservedToolNames[decl.Name]; reserved {
			return &LoadError{Bundle: dir, Category: FailureInvalidManifest, Err: fmt.Errorf("tool name %q reserved", decl.Name)}
		}
		if l.catalog.Has(decl.Name) {
			return &LoadError{Bundle: dir, Category: FailureCollision, Err: fmt.Errorf("tool name %q already registered", decl.Name)}
		}
	}

	soPath := gopath.Join(dir, manifest.Name+".so")
	p, err := plugin.Open(soPath)
	if err != nil {
		return &LoadError{Bundle: dir, Category: FailureMissingHandler, Err: err}
	}
	sym, err := p.Lookup("Handler")
	if err != nil {
		return &LoadError{Bundle: dir, Category: FailureMissingHandler, Err: err}
	}
	handler, ok := sym.(Handler)
	if !ok {
		return &LoadError{Bundle: dir, Category: FailureMissingHandler, Err: fmt.Errorf("exported Handler does not satisfy plugin.Handler")}
	}

	initCtx, cancel := context.WithTimeout(ctx, l.initTimeout)
	defer cancel()
	initDone := make(chan error, 1)
	go func() { initDone <- handler.Initialize(initCtx, Services{Catalog: l.catalog}) }()
	select {
	case err := <-initDone:
		if err != nil {
			return &LoadError{Bundle: dir, Category: FailureInitError, Err: err}
		}
	case <-initCtx.Done():
		return &LoadError{Bundle: dir, Category: FailureTimeout, Err: initCtx.Err()}
	}

	l.mu.Lock()
	l.loaded[manifest.Name] = handler
	l.mu.Unlock()
	slog.Info("plugin.loaded", "bundle", manifest.Name, "tools", len(manifest.Tools))
	return nil
}

// ShutdownAll calls Shutdown on every loaded handler with a deadline,
// abandoning any handler that does not return in time.
func (l *Loader) ShutdownAll(ctx context.Context, timeout time.Duration) {
	l.mu.Lock()
	handlers := make(map[string]Handler, len(l.loaded))
	for k, v := range l.loaded {
		handlers[k] = v
	}
	l.mu.Unlock()

	for name, h := range handlers {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		done := make(chan error, 1)
		go func() { done <- h.Shutdown(sctx) }()
		select {
		case err := <-done:
			if err != nil {
				slog.Warn("plugin.shutdown_error", "bundle", name, "error", err)
			}
		case <-sctx.Done():
			slog.Warn("plugin.shutdown_abandoned", "bundle", name)
		}
		cancel()
	}
}

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fred-drake/carapace/internal/pipeline"
)

// Handler is the narrow surface Router needs from internal/pipeline.
type Handler interface {
	Handle(ctx context.Context, identity string, raw []byte) pipeline.Outcome
}

// Router is the ROUTER request socket: a Unix-domain-bound websocket
// listener where every inbound frame is dispatched to the pipeline as its
// own goroutine and every non-dropped Outcome is written back on the same
// connection. Requests multiplexed on one connection never block each
// other: a suspended confirmation or a slow handler holds up only its own
// frame.
type Router struct {
	Handler Handler
	Path    string

	// Bind, when set, is called once per accepted connection with the
	// connection's identity and claimed group, binding identity to session
	// on first contact. A non-nil error — the per-group cap, typically —
	// refuses the connection with 429. A nil Bind leaves binding to
	// whoever pre-registered the identity (the container lifecycle manager
	// binds at spawn time).
	Bind func(identity, group string) error

	upgrader websocket.Upgrader
	listener net.Listener
	server   *http.Server

	mu    sync.Mutex
	conns map[string]*websocket.Conn

	started  atomic.Bool
	inflight sync.WaitGroup
}

// NewRouter builds a Router bound to path. Call Serve to start accepting.
func NewRouter(handler Handler, path string) *Router {
	return &Router{
		Handler: handler,
		Path:    path,
		conns:   make(map[string]*websocket.Conn),
	}
}

// Serve binds the Unix socket and blocks accepting connections until the
// listener is closed by Close. A second Serve on the same Router fails fast.
func (rt *Router) Serve() error {
	if !rt.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport: router already started on %s", rt.Path)
	}
	l, err := listenUnix(rt.Path)
	if err != nil {
		return err
	}
	rt.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc("/", rt.handleUpgrade)
	rt.server = &http.Server{Handler: mux}
	return rt.server.Serve(l)
}

// Shutdown stops accepting new connections, waits up to drain for
// in-flight requests to finish, then closes every live connection.
func (rt *Router) Shutdown(drain time.Duration) error {
	if rt.listener != nil {
		rt.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		rt.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		slog.Warn("transport.router_drain_deadline_exceeded")
	}
	return rt.Close()
}

// Close tears down the listener and every live connection.
func (rt *Router) Close() error {
	rt.mu.Lock()
	for id, c := range rt.conns {
		c.Close()
		delete(rt.conns, id)
	}
	rt.mu.Unlock()
	if rt.server != nil {
		return rt.server.Close()
	}
	return nil
}

func (rt *Router) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		http.Error(w, "missing identity", http.StatusBadRequest)
		return
	}
	if rt.Bind != nil {
		if err := rt.Bind(identity, r.URL.Query().Get("group")); err != nil {
			slog.Warn("transport.router_bind_refused", "identity", identity, "error", err)
			http.Error(w, "session not available", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("transport.router_upgrade_failed", "error", err)
		return
	}

	rt.mu.Lock()
	rt.conns[identity] = conn
	rt.mu.Unlock()

	go rt.serveConn(identity, conn)
}

func (rt *Router) serveConn(identity string, conn *websocket.Conn) {
	// The context is connection-scoped, not per-frame: it carries no
	// deadline of its own, so a suspended confirmation may wait for the
	// gate's full configured window and handler dispatch is bounded by the
	// pipeline's own per-handler deadline. It is cancelled when the
	// connection goes away, releasing any still-suspended frames.
	ctx, cancel := context.WithCancel(context.Background())

	// gorilla/websocket permits one concurrent writer per connection;
	// frames complete in any order, so responses serialise here.
	var writeMu sync.Mutex

	defer func() {
		cancel()
		rt.mu.Lock()
		delete(rt.conns, identity)
		rt.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		rt.inflight.Add(1)
		go func(raw []byte) {
			defer rt.inflight.Done()
			outcome := rt.Handler.Handle(ctx, identity, raw)
			if outcome.Drop || outcome.Response == nil {
				return
			}
			writeMu.Lock()
			err := conn.WriteJSON(outcome.Response)
			writeMu.Unlock()
			if err != nil {
				slog.Warn("transport.router_write_failed",
					"identity", identity,
					"correlation", outcome.Response.Correlation,
					"error", err,
				)
			}
		}(raw)
	}
}

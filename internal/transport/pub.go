package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/fred-drake/carapace/internal/bus"
)

// subscriberQueueDepth bounds how far a slow subscriber may lag; once its
// queue is full, each newly published event is dropped for it (the queued
// ones are kept), matching the PUB socket's best-effort, non-blocking
// broadcast contract.
const subscriberQueueDepth = 64

// Pub is the PUB event socket: every bus.Event is broadcast to every
// connected subscriber on a best-effort basis. A subscriber that cannot
// keep up has events dropped for it rather than stalling the publisher.
type Pub struct {
	Path string
	// Drops, when set, receives one increment per event shed for a slow
	// subscriber.
	Drops metric.Int64Counter

	upgrader websocket.Upgrader
	listener net.Listener
	server   *http.Server

	mu   sync.Mutex
	subs map[string]chan bus.Event

	started   atomic.Bool
	drops     atomic.Uint64
	nextSubID atomic.Uint64
}

// NewPub builds a Pub bound to path.
func NewPub(path string) *Pub {
	return &Pub{Path: path, subs: make(map[string]chan bus.Event)}
}

// Serve binds the Unix socket and blocks accepting subscriber connections.
// A second Serve on the same Pub fails fast.
func (p *Pub) Serve() error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport: pub already started on %s", p.Path)
	}
	l, err := listenUnix(p.Path)
	if err != nil {
		return err
	}
	p.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleUpgrade)
	p.server = &http.Server{Handler: mux}
	return p.server.Serve(l)
}

// Close tears down the listener and every subscriber connection.
func (p *Pub) Close() error {
	p.mu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.mu.Unlock()
	if p.server != nil {
		return p.server.Close()
	}
	return nil
}

// DroppedCount reports how many events have been shed for slow subscribers
// since startup, exposed as an observability counter.
func (p *Pub) DroppedCount() uint64 {
	return p.drops.Load()
}

func (p *Pub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("transport.pub_upgrade_failed", "error", err)
		return
	}

	// Unix-socket peers have no usable RemoteAddr, so the id is minted
	// rather than derived from the connection.
	id := fmt.Sprintf("sub-%d", p.nextSubID.Add(1))
	ch := make(chan bus.Event, subscriberQueueDepth)

	p.mu.Lock()
	p.subs[id] = ch
	p.mu.Unlock()

	go p.writeLoop(id, conn, ch)
}

func (p *Pub) writeLoop(id string, conn *websocket.Conn, ch chan bus.Event) {
	defer func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
		conn.Close()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev.Envelope); err != nil {
			return
		}
	}
}

// Publish implements bus.Handler's shape so Pub can subscribe directly to
// an internal/bus.Bus: every event is fanned out to every subscriber
// without blocking the bus dispatch goroutine.
func (p *Pub) Publish(ev bus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.drops.Add(1)
			if p.Drops != nil {
				p.Drops.Add(context.Background(), 1)
			}
			slog.Warn("transport.pub_drop", "subscriber", id, "topic", ev.Topic)
		}
	}
}

var _ bus.Publisher = (*Pub)(nil)

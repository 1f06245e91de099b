// Package bus implements the internal SUB fan-out: an in-process
// publish/subscribe channel the container lifecycle manager and the
// transport's event socket both consume. It carries no external socket of
// its own.
package bus

import (
	"sync"

	"github.com/fred-drake/carapace/pkg/protocol"
)

// Event is one message handed to every active subscriber. Envelope carries
// the full wire shape (identity fields + topic-specific payload); Topic is
// duplicated for cheap filtering without decoding the envelope payload.
type Event struct {
	Topic    string
	Envelope protocol.Envelope
}

// Handler receives a published event. It must not block for long — slow
// handlers are the caller's problem to bound, the bus itself never blocks a
// publisher waiting on a handler.
type Handler func(Event)

// Publisher is the narrow surface internal producers need: broadcast and
// nothing else. Components that only need to emit events (not subscribe)
// should depend on this interface rather than *Bus.
type Publisher interface {
	Publish(Event)
}

// Bus is a simple mutex-guarded fan-out registry. Subscribers are invoked
// synchronously from Publish on the publisher's own goroutine; callers that
// need async delivery wrap their own Handler in a goroutine or bounded queue
// (the PUB event socket does this — see internal/transport).
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// Subscribe registers handler under id, replacing any previous handler with
// the same id.
func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id, if any.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Publish invokes every current subscriber with ev. Subscribers registered
// or removed during a Publish call do not affect that call's delivery set.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(ev)
	}
}

var _ Publisher = (*Bus)(nil)

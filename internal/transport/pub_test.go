package transport

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fred-drake/carapace/internal/bus"
)

func TestPubPublishDeliversToEverySubscriber(t *testing.T) {
	p := NewPub("unused")
	a := make(chan bus.Event, 1)
	b := make(chan bus.Event, 1)
	p.subs["a"] = a
	p.subs["b"] = b

	ev := bus.Event{Topic: "response.chunk"}
	p.Publish(ev)

	select {
	case got := <-a:
		if got.Topic != ev.Topic {
			t.Errorf("subscriber a: expected topic %q, got %q", ev.Topic, got.Topic)
		}
	default:
		t.Error("expected subscriber a to receive the event")
	}
	select {
	case got := <-b:
		if got.Topic != ev.Topic {
			t.Errorf("subscriber b: expected topic %q, got %q", ev.Topic, got.Topic)
		}
	default:
		t.Error("expected subscriber b to receive the event")
	}
}

func TestPubPublishDropsForSlowSubscriberWithoutBlocking(t *testing.T) {
	p := NewPub("unused")
	slow := make(chan bus.Event, 1)
	p.subs["slow"] = slow

	p.Publish(bus.Event{Topic: "first"})
	p.Publish(bus.Event{Topic: "second"})

	if got := p.DroppedCount(); got != 1 {
		t.Errorf("expected 1 dropped event, got %d", got)
	}

	// The channel still holds the first event; the second was shed rather
	// than blocking Publish.
	select {
	case got := <-slow:
		if got.Topic != "first" {
			t.Errorf("expected the first event to remain queued, got %q", got.Topic)
		}
	default:
		t.Error("expected the first event to still be queued")
	}
}

func TestPubCloseClosesEverySubscriberChannel(t *testing.T) {
	p := NewPub("unused")
	ch := make(chan bus.Event, 1)
	p.subs["a"] = ch

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, ok := <-ch
	if ok {
		t.Error("expected subscriber channel to be closed")
	}
	if len(p.subs) != 0 {
		t.Errorf("expected subs map to be emptied, got %d entries", len(p.subs))
	}
}

func TestPubImplementsBusPublisher(t *testing.T) {
	var _ bus.Publisher = NewPub("unused")
}

// Two subscribers dialing with identical request lines (Unix-socket peers
// have no distinguishing RemoteAddr) must get distinct registrations: both
// receive every published event.
func TestPubTwoIndistinguishableSubscribersBothReceive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.sock")
	p := NewPub(path)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Serve() }()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() {
		p.Close()
		<-errCh
	})

	dialer := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return net.Dial("unix", path)
		},
		HandshakeTimeout: 5 * time.Second,
	}
	subA, _, err := dialer.Dial("ws://unix/", nil)
	if err != nil {
		t.Fatalf("dial first subscriber: %v", err)
	}
	defer subA.Close()
	subB, _, err := dialer.Dial("ws://unix/", nil)
	if err != nil {
		t.Fatalf("dial second subscriber: %v", err)
	}
	defer subB.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.subs)
		p.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.mu.Lock()
	registered := len(p.subs)
	p.mu.Unlock()
	if registered != 2 {
		t.Fatalf("expected 2 registered subscribers, got %d", registered)
	}

	p.Publish(bus.Event{Topic: "response.chunk"})

	for _, sub := range []*websocket.Conn{subA, subB} {
		sub.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := sub.ReadMessage(); err != nil {
			t.Errorf("expected both subscribers to receive the event: %v", err)
		}
	}
}

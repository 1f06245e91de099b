package confirm

import (
	"testing"
	"time"
)

func TestApproveResolvesOutcome(t *testing.T) {
	g := New(time.Minute)
	ch, err := g.Request("c1", "delete_file")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !g.Approve("c1") {
		t.Fatal("expected approve to succeed")
	}
	outcome := <-ch
	if !outcome.Approved {
		t.Errorf("expected approved outcome, got %+v", outcome)
	}
}

func TestDenyResolvesOutcome(t *testing.T) {
	g := New(time.Minute)
	ch, _ := g.Request("c1", "delete_file")
	if !g.Deny("c1") {
		t.Fatal("expected deny to succeed")
	}
	outcome := <-ch
	if outcome.Approved || outcome.Reason != ReasonDenied {
		t.Errorf("got %+v", outcome)
	}
}

func TestTimeoutResolvesOutcome(t *testing.T) {
	g := New(20 * time.Millisecond)
	ch, _ := g.Request("c1", "delete_file")
	select {
	case outcome := <-ch:
		if outcome.Approved || outcome.Reason != ReasonTimeout {
			t.Errorf("got %+v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for gate timeout")
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	g := New(time.Minute)
	if _, err := g.Request("c1", "delete_file"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := g.Request("c1", "delete_file"); err == nil {
		t.Error("expected duplicate id to be rejected")
	}
	g.Cancel("c1")
}

func TestCancelResolvesAsTimeout(t *testing.T) {
	g := New(time.Minute)
	ch, _ := g.Request("c1", "delete_file")
	if !g.Cancel("c1") {
		t.Fatal("expected cancel to succeed")
	}
	outcome := <-ch
	if outcome.Approved || outcome.Reason != ReasonTimeout {
		t.Errorf("got %+v", outcome)
	}
}

func TestCancelAllResolvesEveryPending(t *testing.T) {
	g := New(time.Minute)
	ch1, _ := g.Request("c1", "tool_a")
	ch2, _ := g.Request("c2", "tool_b")
	g.CancelAll()

	for _, ch := range []<-chan Outcome{ch1, ch2} {
		outcome := <-ch
		if outcome.Approved {
			t.Error("expected CancelAll to resolve as not-approved")
		}
	}
	if g.Pending() != 0 {
		t.Errorf("expected 0 pending after CancelAll, got %d", g.Pending())
	}
}

func TestDoubleResolveIsSingleShot(t *testing.T) {
	g := New(time.Minute)
	g.Request("c1", "tool_a")
	if !g.Approve("c1") {
		t.Fatal("expected first resolve to succeed")
	}
	if g.Deny("c1") {
		t.Error("expected second resolve on the same id to fail")
	}
}

func TestPendingCount(t *testing.T) {
	g := New(time.Minute)
	if g.Pending() != 0 {
		t.Fatalf("expected 0 pending initially, got %d", g.Pending())
	}
	g.Request("c1", "tool_a")
	g.Request("c2", "tool_b")
	if g.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", g.Pending())
	}
	g.Approve("c1")
	if g.Pending() != 1 {
		t.Errorf("expected 1 pending after resolving one, got %d", g.Pending())
	}
}

package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fred-drake/carapace/internal/pipeline"
	"github.com/fred-drake/carapace/pkg/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteThenQueryBySession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.Write(ctx, pipeline.AuditEntry{
		Timestamp: now, Session: "sess-1", Group: "group-a", Tool: "echo",
		Correlation: "corr-1", Stage: 6, Code: "", DurationMs: 12,
	})
	s.Write(ctx, pipeline.AuditEntry{
		Timestamp: now.Add(time.Second), Session: "sess-2", Group: "group-a", Tool: "echo",
		Correlation: "corr-2", Stage: 2, Code: protocol.ErrUnknownTool, DurationMs: 1,
	})

	rows, err := s.QueryBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Tool != "echo" || rows[0].Code != "" {
		t.Fatalf("unexpected rows for sess-1: %+v", rows)
	}
}

func TestWriteNeverCarriesArgumentsOrResults(t *testing.T) {
	// The audit schema has no column for arguments/results and AuditEntry
	// has no field for them; this test writes a structural-only entry and
	// checks that exactly that one row reads back.
	s := openTestStore(t)
	ctx := context.Background()
	s.Write(ctx, pipeline.AuditEntry{
		Timestamp: time.Now().UTC(), Session: "sess-1", Group: "group-a", Tool: "echo",
		Correlation: "corr-1", Stage: 6, DurationMs: 5,
	})

	rows, err := s.QueryBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestQueryByToolReturnsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	s.Write(ctx, pipeline.AuditEntry{Timestamp: base, Session: "s1", Group: "g", Tool: "echo", Correlation: "c1", Stage: 6, DurationMs: 1})
	s.Write(ctx, pipeline.AuditEntry{Timestamp: base.Add(time.Minute), Session: "s2", Group: "g", Tool: "echo", Correlation: "c2", Stage: 6, DurationMs: 1})

	rows, err := s.QueryByTool(ctx, "echo")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 || rows[0].Correlation != "c2" {
		t.Fatalf("expected newest-first ordering, got %+v", rows)
	}
}

func TestQueryByTimeRangeFiltersOutside(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	s.Write(ctx, pipeline.AuditEntry{Timestamp: base, Session: "s1", Group: "g", Tool: "echo", Correlation: "c1", Stage: 6, DurationMs: 1})
	s.Write(ctx, pipeline.AuditEntry{Timestamp: base.Add(24 * time.Hour), Session: "s2", Group: "g", Tool: "echo", Correlation: "c2", Stage: 6, DurationMs: 1})

	rows, err := s.QueryByTimeRange(ctx, base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Correlation != "c1" {
		t.Fatalf("expected only the in-range row, got %+v", rows)
	}
}

func TestWriteSwallowsErrorsAfterClose(t *testing.T) {
	s := openTestStore(t)
	s.Close()
	// Write must never panic or propagate a failure to the caller, even
	// against a closed connection: audit failures are logged, not fatal,
	// once the store is already open.
	s.Write(context.Background(), pipeline.AuditEntry{Session: "s1", Group: "g", Tool: "echo", Correlation: "c1", Stage: 6})
}

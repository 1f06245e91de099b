// Package auditlog implements the append-only SQLite audit table, one row
// per terminated request. The log never stores arguments or results —
// only structural descriptors.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fred-drake/carapace/internal/migrate"
	"github.com/fred-drake/carapace/internal/pipeline"
	"github.com/fred-drake/carapace/pkg/protocol"
)

var steps = []migrate.Step{
	{Version: 1, SQL: `
		CREATE TABLE audit (
			ts          TEXT    NOT NULL,
			session     TEXT    NOT NULL,
			"group"     TEXT    NOT NULL,
			tool        TEXT    NOT NULL,
			correlation TEXT    NOT NULL,
			stage       INTEGER NOT NULL,
			code        TEXT,
			duration_ms INTEGER NOT NULL
		);
		CREATE INDEX idx_audit_session ON audit(session);
		CREATE INDEX idx_audit_tool ON audit(tool);
		CREATE INDEX idx_audit_ts ON audit(ts);
	`},
}

// Store is a single serialised SQLite connection: WAL mode, one
// connection, never held across unrelated I/O.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path and runs
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("auditlog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate.Run(db, steps); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Write appends one audit row. It never returns the write failure to the
// pipeline's caller — a broken audit log must not break request handling,
// so failures are logged and swallowed; only boot-time audit-DB
// unavailability is fatal.
func (s *Store) Write(ctx context.Context, entry pipeline.AuditEntry) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(ts, session, "group", tool, correlation, stage, code, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.Format(time.RFC3339Nano), entry.Session, entry.Group, entry.Tool, entry.Correlation,
		entry.Stage, nullableCode(entry.Code), entry.DurationMs,
	)
	if err != nil {
		slog.Error("auditlog.write_failed", "error", err)
	}
}

func nullableCode(code protocol.ErrorCode) any {
	if code == "" {
		return nil
	}
	return string(code)
}

// Entry is a row read back from the audit log.
type Entry struct {
	Timestamp   time.Time
	Session     string
	Group       string
	Tool        string
	Correlation string
	Stage       int
	Code        string
	DurationMs  int64
}

// QueryBySession returns audit rows for session, newest first.
func (s *Store) QueryBySession(ctx context.Context, session string) ([]Entry, error) {
	return s.query(ctx, `SELECT ts, session, "group", tool, correlation, stage, COALESCE(code, ''), duration_ms FROM audit WHERE session = ? ORDER BY ts DESC`, session)
}

// QueryByTool returns audit rows for tool, newest first.
func (s *Store) QueryByTool(ctx context.Context, tool string) ([]Entry, error) {
	return s.query(ctx, `SELECT ts, session, "group", tool, correlation, stage, COALESCE(code, ''), duration_ms FROM audit WHERE tool = ? ORDER BY ts DESC`, tool)
}

// QueryByTimeRange returns audit rows with ts in [from, to], newest first.
func (s *Store) QueryByTimeRange(ctx context.Context, from, to time.Time) ([]Entry, error) {
	return s.query(ctx, `SELECT ts, session, "group", tool, correlation, stage, COALESCE(code, ''), duration_ms FROM audit WHERE ts BETWEEN ? AND ? ORDER BY ts DESC`,
		from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&ts, &e.Session, &e.Group, &e.Tool, &e.Correlation, &e.Stage, &e.Code, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("auditlog: scan: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ pipeline.AuditWriter = (*Store)(nil)

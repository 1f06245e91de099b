// Package resume implements the resume-token SQLite table: per-group
// persistence of the agent's claudeSessionId for later restarts.
package resume

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fred-drake/carapace/internal/migrate"
)

var steps = []migrate.Step{
	{Version: 1, SQL: `
		CREATE TABLE claude_sessions (
			group_name       TEXT NOT NULL,
			claude_session_id TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			lastUsedAt       TEXT NOT NULL,
			PRIMARY KEY (group_name, claude_session_id)
		);
		CREATE INDEX idx_claude_sessions_latest ON claude_sessions(group_name, lastUsedAt DESC);
	`},
}

var uuidV4Pattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// IsUUIDv4 reports whether s is shaped like a UUID v4.
func IsUUIDv4(s string) bool { return uuidV4Pattern.MatchString(s) }

// Record is one resume-token row.
type Record struct {
	Group           string
	ClaudeSessionID string
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// Store wraps a single serialised SQLite connection.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// Open opens (creating if needed) the resume-token database at path, runs
// pending migrations, and sets the TTL GetLatest uses to exclude stale
// tokens (default 24h).
func Open(path string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("resume: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate.Run(db, steps); err != nil {
		db.Close()
		return nil, fmt.Errorf("resume: migrate: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Save upserts (group, claudeSessionID), refreshing lastUsedAt. Repeating a
// Save is idempotent: the existing row's lastUsedAt is simply updated.
func (s *Store) Save(ctx context.Context, group, claudeSessionID string) error {
	if !IsUUIDv4(claudeSessionID) {
		return fmt.Errorf("resume: %q is not a UUID v4", claudeSessionID)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claude_sessions(group_name, claude_session_id, created_at, lastUsedAt)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_name, claude_session_id) DO UPDATE SET lastUsedAt = excluded.lastUsedAt
	`, group, claudeSessionID, now, now)
	if err != nil {
		return fmt.Errorf("resume: save: %w", err)
	}
	return nil
}

// GetLatest returns the most-recently-used token for group whose
// lastUsedAt is within the configured TTL, or ok=false if none qualifies.
func (s *Store) GetLatest(ctx context.Context, group string) (rec Record, ok bool, err error) {
	cutoff := time.Now().UTC().Add(-s.ttl).Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `
		SELECT group_name, claude_session_id, created_at, lastUsedAt
		FROM claude_sessions
		WHERE group_name = ? AND lastUsedAt >= ?
		ORDER BY lastUsedAt DESC
		LIMIT 1
	`, group, cutoff)

	var created, lastUsed string
	if err := row.Scan(&rec.Group, &rec.ClaudeSessionID, &created, &lastUsed); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("resume: get latest: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsed)
	return rec, true, nil
}

// List returns every resume-token row for group, including ones past TTL:
// superseded tokens drop out of GetLatest but stay visible here for audit.
func (s *Store) List(ctx context.Context, group string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_name, claude_session_id, created_at, lastUsedAt
		FROM claude_sessions WHERE group_name = ? ORDER BY lastUsedAt DESC
	`, group)
	if err != nil {
		return nil, fmt.Errorf("resume: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var created, lastUsed string
		if err := rows.Scan(&rec.Group, &rec.ClaudeSessionID, &created, &lastUsed); err != nil {
			return nil, fmt.Errorf("resume: list scan: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		rec.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Package claudesession stores a TTL-bounded record of the most recent
// upstream Claude session id per group, read by the dispatcher's session
// policy and written by the streaming parser whenever it observes a
// "system" or "result" frame.
package claudesession

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one row: the most recent Claude session id known for a group.
type Record struct {
	Group           string
	ClaudeSessionID string
	LastUsedAt      time.Time
}

// Store persists Records in a single SQLite file, one writer at a time.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// Open creates or opens the SQLite-backed store at path. ttl bounds how
// stale a record may be before GetLatest reports "no record".
func Open(path string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open claude session store: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer at a time

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS claude_sessions (
			"group" TEXT PRIMARY KEY,
			claude_session_id TEXT NOT NULL,
			last_used_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create claude_sessions table: %w", err)
	}

	return &Store{db: db, ttl: ttl}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the latest Claude session id known for group.
func (s *Store) Save(ctx context.Context, group, claudeSessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claude_sessions ("group", claude_session_id, last_used_at)
		VALUES (?, ?, ?)
		ON CONFLICT("group") DO UPDATE SET claude_session_id = excluded.claude_session_id, last_used_at = excluded.last_used_at
	`, group, claudeSessionID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save claude session for group %q: %w", group, err)
	}
	return nil
}

// GetLatest returns the most recent record for group, or ok=false if there
// is none or it is older than the configured TTL.
func (s *Store) GetLatest(ctx context.Context, group string) (rec Record, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT claude_session_id, last_used_at FROM claude_sessions WHERE "group" = ?
	`, group)

	var sessionID string
	var lastUsedUnix int64
	if err := row.Scan(&sessionID, &lastUsedUnix); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("query claude session for group %q: %w", group, err)
	}

	lastUsedAt := time.Unix(lastUsedUnix, 0)
	if s.ttl != 0 && time.Since(lastUsedAt) > s.ttl {
		return Record{}, false, nil
	}

	return Record{Group: group, ClaudeSessionID: sessionID, LastUsedAt: lastUsedAt}, true, nil
}

// List returns every record currently stored, regardless of TTL — used by
// diagnostics/doctor tooling, not by the dispatcher's session policy.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT "group", claude_session_id, last_used_at FROM claude_sessions`)
	if err != nil {
		return nil, fmt.Errorf("list claude sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var lastUsedUnix int64
		if err := rows.Scan(&r.Group, &r.ClaudeSessionID, &lastUsedUnix); err != nil {
			return nil, fmt.Errorf("scan claude session row: %w", err)
		}
		r.LastUsedAt = time.Unix(lastUsedUnix, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CloseGroup removes the record for group, e.g. when a session explicitly
// terminates its upstream conversation.
func (s *Store) CloseGroup(ctx context.Context, group string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM claude_sessions WHERE "group" = ?`, group)
	if err != nil {
		return fmt.Errorf("delete claude session for group %q: %w", group, err)
	}
	return nil
}

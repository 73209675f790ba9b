package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dohr-michael/taskrelay/internal/source"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshot (
	source      TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	assignee    TEXT NOT NULL DEFAULT '',
	notes       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL DEFAULT '',
	updated_at  TEXT NOT NULL DEFAULT '',
	version     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (source, task_id)
);
`

// SQLiteStore persists snapshots in a local SQLite database, one row set per
// source, so a restarted daemon resumes diffing against its last observation
// instead of replaying the whole table as new.
type SQLiteStore struct {
	db         *sql.DB
	sourceName string
}

// NewSQLiteStore opens (and if needed initializes) the snapshot database.
func NewSQLiteStore(path, sourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init snapshot schema: %w", err)
	}

	return &SQLiteStore{db: db, sourceName: sourceName}, nil
}

// Load reads all persisted rows for this store's source.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]source.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, description, status, assignee, notes, created_at, updated_at, version
		FROM snapshot WHERE source = ?`, s.sourceName)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer rows.Close()

	out := make(map[string]source.Row)
	for rows.Next() {
		var r source.Row
		var status, created, updated string
		if err := rows.Scan(&r.ID, &r.Description, &status, &r.Assignee, &r.Notes, &created, &updated, &r.Version); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		r.Status = source.Status(status)
		r.CreatedAt = parseStored(created)
		r.UpdatedAt = parseStored(updated)
		out[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return out, nil
}

// Save replaces the persisted snapshot for this source in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, rows map[string]source.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot WHERE source = ?`, s.sourceName); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot (source, task_id, description, status, assignee, notes, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx, s.sourceName, r.ID, r.Description, string(r.Status),
			r.Assignee, r.Notes, formatStored(r.CreatedAt), formatStored(r.UpdatedAt), r.Version)
		if err != nil {
			return fmt.Errorf("insert snapshot row %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func formatStored(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStored(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

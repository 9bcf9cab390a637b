// Package store provides the SQLite-backed index storage and the BoltDB
// cursor store. Writes arrive as table-keyed payloads from the write
// queue; reads are typed lookups used by the indexer and the stats
// collector.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	did          TEXT PRIMARY KEY,
	handle       TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url   TEXT NOT NULL DEFAULT '',
	remote       INTEGER NOT NULL DEFAULT 1,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bookshelves (
	uri         TEXT PRIMARY KEY,
	did         TEXT NOT NULL,
	rkey        TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	privacy     TEXT NOT NULL DEFAULT 'public',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	indexed_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bookshelves_did ON bookshelves(did);

CREATE TABLE IF NOT EXISTS books (
	uri        TEXT PRIMARY KEY,
	did        TEXT NOT NULL,
	rkey       TEXT NOT NULL,
	shelf_uri  TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL,
	authors    TEXT NOT NULL DEFAULT '[]',
	isbn       TEXT NOT NULL DEFAULT '',
	cover_url  TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_books_did ON books(did);
CREATE INDEX IF NOT EXISTS idx_books_shelf ON books(shelf_uri);

CREATE TABLE IF NOT EXISTS comments (
	uri         TEXT PRIMARY KEY,
	did         TEXT NOT NULL,
	rkey        TEXT NOT NULL,
	subject_uri TEXT NOT NULL,
	text        TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	indexed_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comments_subject ON comments(subject_uri);

CREATE TABLE IF NOT EXISTS activity (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	type        TEXT NOT NULL,
	did         TEXT NOT NULL,
	subject_uri TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_created ON activity(created_at);

CREATE TABLE IF NOT EXISTS process_status (
	name       TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
`

// tableSpec describes a table the generic write operations may touch.
// Payload keys are validated against the column allow-list, so SQL is
// only ever assembled from known identifiers.
type tableSpec struct {
	key          string // primary key column, empty for append-only tables
	columns      []string
	insertIgnore bool // duplicates are expected and harmless
}

var tables = map[string]tableSpec{
	"users": {
		key:          "did",
		columns:      []string{"did", "handle", "display_name", "avatar_url", "remote", "created_at", "updated_at"},
		insertIgnore: true,
	},
	"bookshelves": {
		key:     "uri",
		columns: []string{"uri", "did", "rkey", "name", "description", "privacy", "created_at", "updated_at", "indexed_at"},
	},
	"books": {
		key:     "uri",
		columns: []string{"uri", "did", "rkey", "shelf_uri", "title", "authors", "isbn", "cover_url", "created_at", "updated_at", "indexed_at"},
	},
	"comments": {
		key:     "uri",
		columns: []string{"uri", "did", "rkey", "subject_uri", "text", "created_at", "indexed_at"},
	},
	"activity": {
		columns: []string{"type", "did", "subject_uri", "created_at"},
	},
}

// Store wraps the SQLite index database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path. The connection
// runs in WAL mode so reads proceed while the write worker holds the
// write lock. Call Init before first use.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := otelsql.Open("sqlite", dsn, otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

// Init applies the schema. Safe to call on every startup.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// IsBusy reports whether err is a transient SQLite busy or locked
// condition that a caller may retry.
func IsBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// isConstraint reports whether err is a uniqueness or key violation.
func isConstraint(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// Insert adds a row built from the payload's columns.
func (s *Store) Insert(ctx context.Context, table string, payload map[string]any) error {
	spec, ok := tables[table]
	if !ok {
		return fmt.Errorf("unknown table: %s", table)
	}

	cols, vals, err := columnValues(table, spec, payload)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("insert into %s: empty payload", table)
	}

	verb := "INSERT"
	if spec.insertIgnore {
		verb = "INSERT OR IGNORE"
	}
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, table, strings.Join(cols, ", "), placeholders(len(cols)))

	if _, err := s.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// Update sets the payload's columns on the row with the given key.
// Columns absent from the payload keep their current values. A missing
// row is not an error; a delete may have won the race.
func (s *Store) Update(ctx context.Context, table, key string, payload map[string]any) error {
	spec, ok := tables[table]
	if !ok {
		return fmt.Errorf("unknown table: %s", table)
	}
	if spec.key == "" {
		return fmt.Errorf("table %s has no key column", table)
	}

	cols, vals, err := columnValues(table, spec, payload)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("update %s: empty payload", table)
	}

	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = col + " = ?"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(sets, ", "), spec.key)

	if _, err := s.db.ExecContext(ctx, query, append(vals, key)...); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// Delete removes the row with the given key. Deleting an absent row is
// a no-op.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	spec, ok := tables[table]
	if !ok {
		return fmt.Errorf("unknown table: %s", table)
	}
	if spec.key == "" {
		return fmt.Errorf("table %s has no key column", table)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, spec.key)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

// Upsert inserts the row if the key is absent, otherwise updates only
// the supplied columns. If a concurrent insert wins between the check
// and our insert, the primary key violation is retried as an update.
func (s *Store) Upsert(ctx context.Context, table, key string, payload map[string]any) error {
	spec, ok := tables[table]
	if !ok {
		return fmt.Errorf("unknown table: %s", table)
	}
	if spec.key == "" {
		return fmt.Errorf("table %s has no key column", table)
	}

	exists, err := s.Exists(ctx, table, key)
	if err != nil {
		return err
	}
	if exists {
		return s.Update(ctx, table, key, payload)
	}

	if err := s.Insert(ctx, table, payload); err != nil {
		if isConstraint(err) {
			return s.Update(ctx, table, key, payload)
		}
		return err
	}
	return nil
}

// Exists reports whether a row with the given key is present.
func (s *Store) Exists(ctx context.Context, table, key string) (bool, error) {
	spec, ok := tables[table]
	if !ok {
		return false, fmt.Errorf("unknown table: %s", table)
	}
	if spec.key == "" {
		return false, fmt.Errorf("table %s has no key column", table)
	}

	var one int
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", table, spec.key)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", table, err)
	}
	return true, nil
}

// CountRows returns the number of rows in a table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if _, ok := tables[table]; !ok && table != "process_status" {
		return 0, fmt.Errorf("unknown table: %s", table)
	}
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

// columnValues validates payload keys against the table's column
// allow-list and returns them in schema order.
func columnValues(table string, spec tableSpec, payload map[string]any) ([]string, []any, error) {
	for key := range payload {
		if !containsColumn(spec.columns, key) {
			return nil, nil, fmt.Errorf("unknown column %q for table %s", key, table)
		}
	}

	var cols []string
	var vals []any
	for _, col := range spec.columns {
		v, ok := payload[col]
		if !ok {
			continue
		}
		cols = append(cols, col)
		vals = append(vals, toSQL(v))
	}
	return cols, vals, nil
}

func containsColumn(columns []string, name string) bool {
	for _, c := range columns {
		if c == name {
			return true
		}
	}
	return false
}

// toSQL converts payload values to their stored representation:
// timestamps as RFC3339Nano text, booleans as 0/1, string slices as
// JSON text.
func toSQL(v any) any {
	switch v := v.(type) {
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case bool:
		if v {
			return 1
		}
		return 0
	case []string:
		data, _ := json.Marshal(v)
		return string(data)
	default:
		return v
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Package sqlstore implements core.Store and trace.Store on database/sql.
//
// Three drivers are supported:
//
//   - "sqlite" (modernc.org/sqlite, pure Go)
//   - "sqlite3" (github.com/mattn/go-sqlite3, cgo)
//   - "pgx" (github.com/jackc/pgx/v5/stdlib, PostgreSQL)
//
// Status changes run inside a transaction that reads the current status,
// checks the transition table and writes the new value, so concurrent
// writers cannot skip a state. Timestamps are stored as unix nanoseconds.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/trace"
)

// Dialect selects placeholder and locking syntax.
type Dialect int

const (
	// DialectSQLite covers both sqlite drivers.
	DialectSQLite Dialect = iota
	// DialectPostgres covers the pgx driver.
	DialectPostgres
)

// DialectFor maps a driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "pgx", "postgres":
		return DialectPostgres, nil
	default:
		return 0, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// Options configure a Store.
type Options struct {
	Now    func() time.Time
	Logger logging.Logger
}

// Store is a SQL backed core.Store and trace.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
}

var (
	_ core.Store  = (*Store)(nil)
	_ trace.Store = (*Store)(nil)
)

// Open connects to dsn with driver, applies pragmas and migrates the schema.
func Open(ctx context.Context, driver, dsn string, optFns ...func(o *Options)) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if driver == "postgres" {
		driver = "pgx"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dialect == DialectSQLite && (dsn == ":memory:" || strings.Contains(dsn, "mode=memory")) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	s, err := New(ctx, db, dialect, optFns...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and migrates the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Now: func() time.Time { return time.Now().UTC() }}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	s := &Store{db: db, dialect: dialect, opts: opts}
	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
			return nil, fmt.Errorf("pragma busy_timeout: %w", err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS thread_threads (
			id TEXT PRIMARY KEY,
			key TEXT UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS thread_contexts (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			key TEXT UNIQUE,
			status TEXT NOT NULL,
			content TEXT NOT NULL,
			current_execution_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_contexts_thread ON thread_contexts(thread_id)`,
		`CREATE TABLE IF NOT EXISTS thread_items (
			id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL,
			type TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_items_context ON thread_items(context_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS thread_executions (
			id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_item_id TEXT NOT NULL DEFAULT '',
			reaction_item_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS thread_execution_items (
			execution_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			linked_at BIGINT NOT NULL,
			PRIMARY KEY (execution_id, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS thread_steps (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			status TEXT NOT NULL,
			trigger_item_id TEXT NOT NULL DEFAULT '',
			reaction_item_id TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL,
			tool_calls TEXT,
			tool_execution_results TEXT,
			continue_loop INTEGER,
			error_text TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_steps_execution ON thread_steps(execution_id, iteration)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_steps_reaction ON thread_steps(reaction_item_id)`,
		`CREATE TABLE IF NOT EXISTS thread_parts (
			key TEXT PRIMARY KEY,
			step_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			part TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_parts_step ON thread_parts(step_id, idx)`,
		`CREATE TABLE IF NOT EXISTS thread_trace_runs (
			workflow_run_id TEXT PRIMARY KEY,
			first_event_at BIGINT NOT NULL,
			last_event_at BIGINT NOT NULL,
			last_ingested_at BIGINT NOT NULL,
			events_count INTEGER NOT NULL,
			last_seq BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS thread_trace_events (
			workflow_run_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			seq BIGINT NOT NULL,
			event_at BIGINT NOT NULL,
			record TEXT NOT NULL,
			PRIMARY KEY (workflow_run_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS thread_trace_spans (
			workflow_run_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			span TEXT NOT NULL,
			PRIMARY KEY (workflow_run_id, span_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row locking suffix of the dialect.
func (s *Store) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewStoreError(op, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return core.NewStoreError(op, err)
	}
	return core.NewStoreError(op, tx.Commit())
}

func identClause(ident core.Identifier) (string, any) {
	if ident.ID != "" {
		return "id = ?", ident.ID
	}
	return "key = ?", ident.Key
}

func notFound(what string, ident fmt.Stringer) error {
	return fmt.Errorf("%s %s: %w", what, ident, core.ErrNotFound)
}

type idString string

func (s idString) String() string { return "id:" + string(s) }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(raw sql.NullString, v any) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), v)
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

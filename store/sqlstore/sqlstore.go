/*
Package sqlstore provides a SQL implementation of the engine, orchestrator
and lease storage interfaces, on SQLite or PostgreSQL.

PURPOSE:
  Persists visits, conflict detail records, conflict groups, reference data,
  run bookkeeping (runs, chunk plans, stale scopes) and the run lease. The
  same statements serve both dialects; placeholders are rebound for
  PostgreSQL.

INTERFACES IMPLEMENTED:
  orchestrator.DB:     conflict.Store + RunStore + WithTx
  orchestrator.Leaser: Row lease in run_leases

KEY TABLES:
  visits:             Source visits, keyed by visit_id, indexed by (visit_date, ssn)
  conflict_records:   One row per ordered pair (visit_id, con_visit_id)
  conflict_groups:    One row per conflict_id
  settings, mph_bins, exclusions: Reference data
  reconciliation_runs, run_chunks, stale_candidates: Run bookkeeping
  run_leases:         The run lease

CHUNK FILTER:
  Up to 100 keys are selected with a (visit_date, ssn) row-value list.
  Larger chunks select by date range and SSN list and are re-filtered on the
  exact key set.

TIMESTAMPS:
  Stored as fixed-width UTC text (conflict.TimestampLayout) so that string
  comparison is time comparison.

CONCURRENCY:
  SQLite is limited to one open connection; transactions serialize on it.
  Nothing inside WithTx touches the root connection.

MIGRATIONS:
  Embedded goose migrations run on Open.

USAGE:
  store, err := sqlstore.Open(ctx, "./data/conflicts.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - conflict/store.go, orchestrator/store.go: Interface definitions
  - conflict/fieldmap.go: Record column layout
  - conflict/store: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/orchestrator"
)

// Dialect names the SQL flavor and its goose dialect.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// Store implements orchestrator.DB and orchestrator.Leaser.
type Store struct {
	*conn
	db *sql.DB
}

// Open opens (and migrates) a SQLite database. Use ":memory:" for an
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return New(ctx, db, DialectSQLite)
}

// OpenPostgres opens (and migrates) a PostgreSQL database through pgx.
func OpenPostgres(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrap("ping", err)
	}
	return New(ctx, db, DialectPostgres)
}

// New wraps an open database and applies migrations.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{conn: &conn{q: db, root: db, dialect: dialect}, db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(string(s.dialect)); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, "migrations")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(orchestrator.Tx) error) error {
	return withTx(ctx, s.db, s.dialect, func(c *conn) error { return fn(c) })
}

// Reset deletes every row. Used by the demo seeder.
func (s *Store) Reset(ctx context.Context) error {
	return withTx(ctx, s.db, s.dialect, func(c *conn) error {
		for _, table := range []string{
			"stale_candidates", "run_chunks", "reconciliation_runs", "run_leases",
			"conflict_groups", "conflict_records", "visits", "in_service_events",
			"exclusions", "mph_bins", "settings",
		} {
			if _, err := c.exec(ctx, "DELETE FROM "+table); err != nil {
				return wrap("reset "+table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// CONNECTION
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs statements on the root database or on one transaction.
// root is nil inside a transaction.
type conn struct {
	q       queryer
	root    *sql.DB
	dialect Dialect
}

func withTx(ctx context.Context, db *sql.DB, dialect Dialect, fn func(*conn) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, dialect: dialect}); err != nil {
		return err
	}
	return wrap("commit", sqlTx.Commit())
}

// atomic runs fn in the current transaction, or in a new one at the root.
func (c *conn) atomic(ctx context.Context, fn func(*conn) error) error {
	if c.root == nil {
		return fn(c)
	}
	return withTx(ctx, c.root, c.dialect, fn)
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (c *conn) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// =============================================================================
// ERRORS
// =============================================================================

// wrap classifies driver errors. Connection, timeout and lock errors become
// conflict.TransientStoreError.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return &conflict.TransientStoreError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 40001: serialization failure,
		// 40P01: deadlock, 57P01: admin shutdown
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" ||
			pgErr.Code == "40P01" || pgErr.Code == "57P01"
	}
	return false
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: conflict.FormatTimestamp(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := conflict.ParseTimestamp(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

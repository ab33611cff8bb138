package flowdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/roach88/flowq/internal/graph"
	"github.com/roach88/flowq/internal/ir"
	"github.com/roach88/flowq/internal/sqlexpr"
)

// DefaultSchema holds result tables unless configured otherwise.
const DefaultSchema = "cache"

// DB materialises query results into a PostgreSQL schema.
// It is safe for concurrent use.
type DB struct {
	db     *sql.DB
	schema string
	logger *slog.Logger

	mu      sync.Mutex
	ensured bool
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for materialization events.
func WithLogger(l *slog.Logger) Option {
	return func(d *DB) { d.logger = l }
}

// Open parses dsn, opens a pgx-backed connection pool and checks that the
// server answers.
func Open(ctx context.Context, dsn, schema string, opts ...Option) (*DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	db := stdlib.OpenDB(*cfg)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open first postgres connection: %w", err)
	}
	d, err := New(db, schema, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an open database handle. An empty schema selects DefaultSchema.
func New(db *sql.DB, schema string, opts ...Option) (*DB, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	if !sqlexpr.IsIdent(schema) {
		return nil, fmt.Errorf("invalid result schema %q", schema)
	}
	d := &DB{db: db, schema: schema, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Schema returns the result schema name.
func (d *DB) Schema() string { return d.schema }

// TableName returns the unquoted result table for id.
func (d *DB) TableName(id string) string {
	return d.schema + ".x" + id
}

func (d *DB) ident(id string) string {
	return pgx.Identifier{d.schema, "x" + id}.Sanitize()
}

// Materialize stores the rows of stmt under q's identity.
func (d *DB) Materialize(ctx context.Context, q *graph.Query, stmt string) error {
	if err := d.ensureSchema(ctx); err != nil {
		return err
	}
	table := d.ident(q.ID())
	comment, err := sqlexpr.Literal(ir.String(q.Kind()))
	if err != nil {
		return err
	}

	err = withTx(ctx, d.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+table+" AS ("+stmt+")"); err != nil {
			return fmt.Errorf("create %s: %w", d.TableName(q.ID()), err)
		}
		if _, err := tx.ExecContext(ctx, "COMMENT ON TABLE "+table+" IS "+comment); err != nil {
			return fmt.Errorf("comment %s: %w", d.TableName(q.ID()), err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.logger.Debug("result table written", "query_id", q.ID(), "table", d.TableName(q.ID()))
	return nil
}

// Exists reports whether the result table for id is present.
func (d *DB) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := d.db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", d.TableName(id)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", d.TableName(id), err)
	}
	return ok, nil
}

// ensureSchema creates the result schema once per DB. A failure is retried
// on the next call.
func (d *DB) ensureSchema(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ensured {
		return nil
	}
	stmt := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{d.schema}.Sanitize()
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create schema %s: %w", d.schema, err)
	}
	d.ensured = true
	return nil
}

func withTx(ctx context.Context, db *sql.DB, f func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Discard accepts every statement without executing it.
type Discard struct {
	Logger *slog.Logger
}

// Materialize logs stmt and succeeds.
func (d Discard) Materialize(ctx context.Context, q *graph.Query, stmt string) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "dry run", "query_id", q.ID(), "kind", q.Kind(), "sql", stmt)
	return nil
}

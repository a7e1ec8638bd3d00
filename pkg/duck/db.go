package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is the database handle stores operate on. Implemented by Database and
// by test doubles.
type DB interface {
	Conn(ctx context.Context) (Connection, error)
	Catalog() string
	Schema() string
	Close() error
}

// Connection is a single checked-out database connection.
type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// Database is a local DuckDB database file (or an in-memory instance when the
// path is empty). The pipeline is a single-writer batch process, so the pool
// is capped at one open connection; readers outside this process open the
// exported artifacts, never this file.
type Database struct {
	log     *slog.Logger
	db      *sql.DB
	catalog string
	schema  string
}

type DatabaseConnection struct {
	conn *sql.Conn
	db   *Database
}

func (c *DatabaseConnection) DB() DB {
	return c.db
}

func (c *DatabaseConnection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *DatabaseConnection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *DatabaseConnection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *DatabaseConnection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *DatabaseConnection) Close() error {
	return c.conn.Close()
}

// NewDB opens the DuckDB database at path, creating parent directories as
// needed. An empty path opens an in-memory database (used by tests).
func NewDB(ctx context.Context, path string, log *slog.Logger) (*Database, error) {
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for database: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = abs
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	row := db.QueryRowContext(ctx, "SELECT current_database() AS catalog, current_schema() AS schema")
	var catalog, schema string
	if err := row.Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	log.Debug("duck: opened database", "path", path, "catalog", catalog, "schema", schema)

	return &Database{
		log:     log,
		db:      db,
		catalog: catalog,
		schema:  schema,
	}, nil
}

func (d *Database) Catalog() string {
	return d.catalog
}

func (d *Database) Schema() string {
	return d.schema
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &DatabaseConnection{
		conn: conn,
		db:   d,
	}, nil
}

// Package database provides the PostgreSQL connection pool, migrations, and
// health checks shared by every component that touches the storage surface.
//
// Unlike the teacher, this package does not wrap an ent client: the storage
// surface here (realtime_data, klines_history, tasks, alert_configs,
// strategy_signals, exchange_info — see migrations/) is a thin layer of
// hand-written SQL over row contracts and triggers, not an ORM-modeled
// domain (see DESIGN.md for why ent was dropped). The shared *sql.DB, opened
// on the pgx stdlib driver exactly as the teacher does, is what every other
// package builds on — including pkg/events, which opens its own dedicated
// pgx.Conn against the same DSN for LISTEN.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register the "pgx" driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the pooled *sql.DB plus the DSN used to open it, so sibling
// packages can open their own dedicated connections against the same
// database (pkg/events' LISTEN connection in particular).
type Client struct {
	db         *stdsql.DB
	connString string
}

// DB returns the underlying connection pool for direct queries.
func (c *Client) DB() *stdsql.DB {
	return c.db
}

// ConnString returns the DSN this client was opened with.
func (c *Client) ConnString() string {
	return c.connString
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClientFromDB wraps an already-open *sql.DB (used by integration tests
// that hold a testcontainers-managed connection).
func NewClientFromDB(db *stdsql.DB, connString string) *Client {
	return &Client{db: db, connString: connString}
}

// NewClient opens a connection pool, verifies connectivity, and applies
// pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, connString: dsn}, nil
}

// NewClientFromDSN opens a connection pool from a single libpq-style DSN
// (as used by config.Config.DBConnection), verifies connectivity, and
// applies pending migrations. Unlike NewClient, it does not assemble the
// DSN from discrete host/port/user fields — the caller already has one.
func NewClientFromDSN(ctx context.Context, dsn string) (*Client, error) {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, "marketbus"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, connString: dsn}, nil
}

// ApplyMigrations runs the embedded migrations against an already-open pool.
// NewClient calls this internally; it is exported so integration tests that
// build their own *sql.DB (e.g. against a per-test schema) can apply the
// same migrations without going through NewClient's connection setup.
func ApplyMigrations(db *stdsql.DB, databaseName string) error {
	return runMigrations(db, databaseName)
}

// runMigrations applies embedded SQL migrations using golang-migrate.
//
// Migration workflow:
//  1. Add pkg/database/migrations/NNNN_name.up.sql (+ matching .down.sql)
//  2. Files are embedded into the binary at compile time via go:embed
//  3. On startup, this function applies any migration newer than the
//     schema_migrations row already recorded in the target database
func runMigrations(db *stdsql.DB, databaseName string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary may be built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. We must NOT call m.Close()
	// because that also closes the database driver, which would close the
	// shared *sql.DB passed via postgres.WithInstance() out from under every
	// other holder of this Client.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks whether the embedded FS contains any .sql
// migration files.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}

	return false, nil
}

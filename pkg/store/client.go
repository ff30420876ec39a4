// Package store is the Postgres persistence layer: the append-only event
// log, state checkpoints, profiles, and device pairing, plus the retention
// sweeper.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Client owns the database handle shared by all stores.
type Client struct {
	db *sql.DB
}

// Open connects to Postgres via the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*Client, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Client{db: db}, nil
}

// NewClientFromDB wraps an existing handle. Used by tests that manage their
// own connection lifecycle.
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// DB exposes the handle for stores and tests.
func (c *Client) DB() *sql.DB {
	return c.db
}

// PingContext verifies the database is reachable.
func (c *Client) PingContext(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Migrate applies all pending embedded migrations.
func (c *Client) Migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := postgres.WithInstance(c.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	slog.Info("Database migrations applied")
	return nil
}

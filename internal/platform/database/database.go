// Package database owns the tracker's PostgreSQL pool and its goose
// migrations.
package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultApplicationName = "pai-tracker"
	// Matches the per-call timeout of the tracker store so a runaway query
	// is cancelled server-side too.
	defaultStatementTimeout = 5 * time.Second
)

// ErrNotMigrated reports a reachable database without the tracker schema.
var ErrNotMigrated = errors.New("database schema is not migrated")

// DB wraps a pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Options tunes the connection pool. Zero values keep the defaults.
type Options struct {
	MaxConns         int
	MinConns         int
	ApplicationName  string
	StatementTimeout time.Duration
}

// ParseURL validates a PostgreSQL connection URL.
func ParseURL(url string) (*pgxpool.Config, error) {
	if url == "" {
		return nil, fmt.Errorf("database URL is empty")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	return cfg, nil
}

// poolConfig applies opts to the parsed URL.
func poolConfig(url string, opts Options) (*pgxpool.Config, error) {
	cfg, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = int32(opts.MinConns)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	name := opts.ApplicationName
	if name == "" {
		name = defaultApplicationName
	}
	timeout := opts.StatementTimeout
	if timeout <= 0 {
		timeout = defaultStatementTimeout
	}
	params := cfg.ConnConfig.RuntimeParams
	if _, set := params["application_name"]; !set {
		params["application_name"] = name
	}
	params["statement_timeout"] = strconv.FormatInt(timeout.Milliseconds(), 10)
	return cfg, nil
}

// New creates a connection pool and verifies it with a ping.
func New(ctx context.Context, url string, opts Options) (*DB, error) {
	cfg, err := poolConfig(url, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// HealthCheck reports whether the database is reachable and carries the
// tracker tables. A fresh database without migrations is not ready.
func (db *DB) HealthCheck(ctx context.Context) error {
	var migrated bool
	err := db.Pool.QueryRow(ctx,
		`SELECT to_regclass('user_courses') IS NOT NULL AND to_regclass('study_sessions') IS NOT NULL`,
	).Scan(&migrated)
	if err != nil {
		return fmt.Errorf("database health: %w", err)
	}
	if !migrated {
		return ErrNotMigrated
	}
	return nil
}

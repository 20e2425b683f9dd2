// Package database opens the PostgreSQL pool and checks the store is ready.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/core"
)

// Options are the connection-level limits applied to every session.
type Options struct {
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
	TimeZone         string
}

// OptionsFromRuntime reads the timeouts of the supabase section.
func OptionsFromRuntime(f *config.File) Options {
	return Options{
		ConnectTimeout:   time.Duration(f.Supabase.ConnectTimeoutSeconds) * time.Second,
		StatementTimeout: time.Duration(f.Supabase.StatementTimeoutSeconds) * time.Second,
		TimeZone:         core.BusinessTimezone,
	}
}

// PoolConfig builds the pool configuration from credentials and options.
func PoolConfig(db config.DatabaseConfig, opts Options) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(db.URL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(db.MaxConns)
	poolConfig.MinConns = int32(db.MinConns)
	poolConfig.MaxConnLifetime = db.MaxConnLifetime
	poolConfig.MaxConnIdleTime = db.MaxConnIdleTime

	if opts.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}
	params := poolConfig.ConnConfig.RuntimeParams
	if opts.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(opts.StatementTimeout.Milliseconds(), 10)
	}
	if opts.TimeZone != "" {
		params["TimeZone"] = opts.TimeZone
	}
	params["application_name"] = "sheetsync"

	return poolConfig, nil
}

// Connect opens the pool and verifies it with a ping.
func Connect(ctx context.Context, db config.DatabaseConfig, opts Options) (*pgxpool.Pool, error) {
	poolConfig, err := PoolConfig(db, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("connected to database", "host", db.Host, "name", db.Name, "max_conns", poolConfig.MaxConns)
	return pool, nil
}

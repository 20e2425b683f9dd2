package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/sheetsync/internal/audit"
	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/database"
	"github.com/JonMunkholm/sheetsync/internal/lock"
	"github.com/JonMunkholm/sheetsync/internal/logging"
	"github.com/JonMunkholm/sheetsync/internal/migrate"
	"github.com/JonMunkholm/sheetsync/internal/promote"
	"github.com/JonMunkholm/sheetsync/internal/refresh"
	"github.com/JonMunkholm/sheetsync/internal/source"
	"github.com/JonMunkholm/sheetsync/internal/staging"
	"github.com/JonMunkholm/sheetsync/internal/syncer"
)

// app holds the wired collaborators of one process.
type app struct {
	rt      *config.Runtime
	pool    *pgxpool.Pool
	guard   *lock.Guard
	audit   *audit.Writer
	service *syncer.Service
	logs    io.Closer
}

// openApp loads configuration, sets up logging and connects to the database.
func openApp(ctx context.Context, flags *globalFlags) (*app, error) {
	rt, err := config.LoadRuntime(flags.configPath, flags.envPath)
	if err != nil {
		return nil, err
	}

	logs, err := logging.Setup(logging.Options{
		Level:      rt.LogLevel(),
		Format:     rt.Env.Logging.Format,
		File:       rt.LogFile(),
		MaxSizeMB:  rt.Env.Logging.MaxSizeMB,
		MaxBackups: rt.Env.Logging.MaxBackups,
		MaxAgeDays: rt.Env.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("configuration loaded",
		"config", rt.ConfigPath,
		"config_hash", rt.ConfigHash,
		"tables", len(rt.File.Tables),
		"env", rt.Env.String(),
	)

	pool, err := database.Connect(ctx, rt.Env.Database, database.OptionsFromRuntime(rt.File))
	if err != nil {
		logs.Close()
		return nil, err
	}

	a := &app{
		rt:    rt,
		pool:  pool,
		guard: lock.NewGuard(),
		audit: audit.New(pool, rt.RejectionsDir()),
		logs:  logs,
	}

	appCfg := rt.File.App
	a.service = syncer.New(rt, syncer.Deps{
		Source: source.Reader{},
		Refresh: refresh.New(appCfg.RefreshCommand,
			time.Duration(appCfg.RefreshTimeoutSeconds)*time.Second,
			time.Duration(appCfg.RefreshPollSeconds)*time.Second),
		Audit:   a.audit,
		Staging: staging.New(pool),
		Promote: promote.New(pool),
		Lock: lock.NewLocker(a.guard, func(ctx context.Context) (*lock.Lease, error) {
			return lock.Acquire(ctx, pool)
		}),
		Migrate: migrate.New(pool, migrate.Embedded()),
	}, version)

	return a, nil
}

func (a *app) healthcheck(ctx context.Context) (database.Health, error) {
	tables := make([]string, 0, len(a.rt.File.Tables))
	for _, tc := range a.rt.File.Tables {
		tables = append(tables, tc.Name)
	}
	return database.Healthcheck(ctx, a.pool, a.rt.File.App.RuntimeRole, tables)
}

// Close releases the pool and flushes the log file.
func (a *app) Close() {
	a.pool.Close()
	a.logs.Close()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/logging"
	"github.com/JonMunkholm/sheetsync/internal/source"
	"github.com/JonMunkholm/sheetsync/internal/store/memory"
	"github.com/JonMunkholm/sheetsync/internal/store/postgres"
	"github.com/JonMunkholm/sheetsync/internal/store/sqlite"
	"github.com/JonMunkholm/sheetsync/internal/telemetry"
)

// backend is what every store implementation provides.
type backend interface {
	core.CursorStore
	core.TargetStore
	core.AuditSink
	core.AuditReader
	core.AuditPurger
}

// app holds the wired components shared by the subcommands.
type app struct {
	cfg       *config.Config
	sync      *config.SyncFile
	store     backend
	pinger    interface{ Ping(context.Context) error }
	engine    *core.Engine
	telemetry *telemetry.Provider

	closers []func() error
}

// newApp loads configuration and wires the store, sources and engine.
// Callers must call close.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	a := &app{cfg: cfg}
	a.setupLogging()

	slog.Info("configuration loaded",
		"store", cfg.Store.Backend,
		"mappings_file", cfg.Sync.MappingsFile,
		"max_concurrent", cfg.Sync.MaxConcurrent,
	)

	a.sync, err = config.LoadSyncFile(cfg.Sync.MappingsFile)
	if err != nil {
		a.close()
		return nil, err
	}
	kinds, err := a.sync.Registry()
	if err != nil {
		a.close()
		return nil, err
	}

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	reader, err := a.sources(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	a.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Interval:    cfg.Telemetry.Interval,
		ServiceName: "sheetsync",
		Version:     version,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	metrics, err := telemetry.NewCycleMetrics(a.telemetry.Meter())
	if err != nil {
		a.close()
		return nil, err
	}

	a.engine, err = core.NewEngine(core.Deps{
		Cursors:  a.store,
		Source:   reader,
		Target:   a.store,
		Audit:    a.store,
		Kinds:    kinds,
		Observer: metrics,
		Limiter:  core.NewCycleLimiter(cfg.Sync.MaxConcurrent, cfg.Sync.MaxWaitTime),
	}, a.sync.Mappings, core.Options{
		FetchTimeout:  cfg.Sync.FetchTimeout,
		CommitTimeout: cfg.Sync.CommitTimeout,
		RetryInterval: cfg.Sync.RetryInterval,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if err := a.engine.EnsureCursors(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("ensure cursors: %w", err)
	}

	slog.Info("mappings registered",
		"mappings", len(a.sync.Mappings),
		"kinds", len(a.sync.Kinds),
	)
	return a, nil
}

// setupLogging writes to stdout, plus a rotated file when LOG_FILE is set.
func (a *app) setupLogging() {
	lc := a.cfg.Logging
	var w io.Writer = os.Stdout
	if lc.File != "" {
		f := logging.RotatingFile(lc.File, lc.MaxSizeMB, lc.MaxBackups, lc.MaxAgeDays)
		a.closers = append(a.closers, f.Close)
		w = io.MultiWriter(os.Stdout, f)
	}
	logging.Setup(lc.Level, lc.Format, w)
}

func (a *app) openStore(ctx context.Context) error {
	switch strings.ToLower(a.cfg.Store.Backend) {
	case config.BackendMemory:
		a.store = memory.New()
		slog.Warn("using in-memory store, cursors are lost on exit")

	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.store, a.pinger = s, s
		a.closers = append(a.closers, s.Close)
		slog.Info("opened sqlite store", "path", a.cfg.Store.SQLitePath)

	case config.BackendPostgres:
		db := a.cfg.Database
		pool, err := postgres.Connect(ctx, db.URL, postgres.PoolOptions{
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			MaxConnIdleTime: db.MaxConnIdleTime,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })

		s := postgres.New(pool)
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		a.store, a.pinger = s, s
		slog.Info("connected to database", "database", pool.Config().ConnConfig.Database)

	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
	return nil
}

// sources routes each source type to its reader. The Sheets client is only
// built when a mapping needs it.
func (a *app) sources(ctx context.Context) (*source.Router, error) {
	rt := source.NewRouter().Handle(core.SourceWorkbook, source.NewWorkbookReader())

	for _, m := range a.sync.Mappings {
		if m.Source.Type != core.SourceSheets {
			continue
		}
		sc := a.cfg.Sheets
		opts := source.SheetsOptions{CredentialsFile: sc.CredentialsFile, Endpoint: sc.Endpoint}
		if sc.CredentialsDir != "" {
			opts.Credentials = source.DirCredentials{Dir: sc.CredentialsDir, Fallback: sc.CredentialsFile}
		}
		sr, err := source.NewSheetsReader(ctx, opts)
		if err != nil {
			return nil, err
		}
		rt.Handle(core.SourceSheets, sr)
		break
	}
	return rt, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("close failed", "error", err)
	}
}

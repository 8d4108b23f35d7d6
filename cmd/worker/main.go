// Command worker runs the task dispatch loop (C6) plus its lease-expiry
// reaper (C5): it claims queued tasks from the Store, executes the
// matching typed handler, and records retry/terminal outcomes.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	operator "github.com/aiop/operator"
	"github.com/aiop/operator/eventlog"
	"github.com/aiop/operator/store"
	"github.com/aiop/operator/store/databasesql"
	"github.com/aiop/operator/store/pgxv5"
	"github.com/aiop/operator/tool"
	"github.com/aiop/operator/tool/builtin"
	"github.com/aiop/operator/worker"
)

func main() {
	cfg := operator.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := operator.NewLogger(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMigrations(cfg.DatabaseURL); err != nil {
		logger.Error("migration failed", "err", err)
		os.Exit(1)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("store connect failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := tool.NewRegistry()
	if err := registry.Register(builtin.Ping()); err != nil {
		logger.Error("tool registration failed", "err", err)
		os.Exit(1)
	}

	events := eventlog.NewWriter(st)
	handlers := worker.DefaultHandlers(registry, cfg.ArtifactsDir)
	w := worker.New(st, events, handlers, cfg.WorkerPollInterval, cfg.WorkerLockDuration, logger)

	reaper := worker.NewReaper(st, st, w.InstanceID(), worker.DefaultRescueInterval, logger, w.Trigger)

	reaperErrCh := make(chan error, 1)
	go func() { reaperErrCh <- reaper.Run(ctx) }()
	go w.Run(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-reaperErrCh:
		if err != nil {
			logger.Error("reaper loop exited", "err", err)
		}
	}
}

func openStore(ctx context.Context, cfg operator.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "databasesql":
		return databasesql.Connect(cfg.DatabaseURL, cfg.ExpectedEmbedDim)
	default:
		return pgxv5.Connect(ctx, cfg.DatabaseURL, cfg.ExpectedEmbedDim)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	return store.Migrate(db)
}

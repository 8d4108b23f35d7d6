// Command orchestrator runs the HTTP orchestrator (C7): it serves
// /healthz, /readyz, /ask, and /trace/{run_id} against a configured Store
// and Inference backend.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	operator "github.com/aiop/operator"
	"github.com/aiop/operator/inference"
	"github.com/aiop/operator/orchestrator"
	"github.com/aiop/operator/orchestrator/middleware"
	"github.com/aiop/operator/store"
	"github.com/aiop/operator/store/databasesql"
	"github.com/aiop/operator/store/pgxv5"
	"github.com/aiop/operator/tool"
	"github.com/aiop/operator/tool/builtin"
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

	inf := inference.NewOllama(cfg.OllamaURL, cfg.EmbedModel, cfg.ChatModel, cfg.ExpectedEmbedDim)

	registry := tool.NewRegistry()
	if err := registry.Register(builtin.Ping()); err != nil {
		logger.Error("tool registration failed", "err", err)
		os.Exit(1)
	}

	srv := orchestrator.New(st, inf, registry, cfg, logger)
	limiter := middleware.NewPerAddressLimiter(cfg.AskRateLimitRPS)
	defer limiter.Close()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(limiter),
	}

	go func() {
		logger.Info("orchestrator listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
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

// runMigrations always uses a plain database/sql + lib/pq handle, regardless
// of which driver serves runtime traffic, since store.Migrate is written
// against *sql.DB.
func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	return store.Migrate(db)
}

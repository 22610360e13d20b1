package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hivediscover/backend/internal/app"
	"hivediscover/backend/internal/config"
	"hivediscover/backend/internal/logger"
	"hivediscover/backend/internal/supervisor"
)

func main() {
	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Structured logger with correlation ids
	log := logger.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 3. Database, migrations, Weaviate, NSQ
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	// 4. Components
	application, err := app.New(ctx, cfg, deps)
	if err != nil {
		return err
	}

	// 5. Supervised stages
	tree := supervisor.NewTree(log, supervisor.DefaultTreeConfig())
	application.Register(tree)

	slog.Info("starting",
		"api", cfg.EnableAPI,
		"ingestion", cfg.EnableIngestion,
		"profiles", cfg.EnableProfileBackfill,
		"analyzer", cfg.EnableAnalyzer,
		"feed", cfg.EnableFeed,
		"categorizer", cfg.EnableCategorizer,
		"reconciler", cfg.EnableReconciler,
		"index_backend", cfg.IndexBackend,
	)
	err = tree.Serve(ctx)

	// Stages may queue writes while stopping.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	application.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("stopped")
	return nil
}

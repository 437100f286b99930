// swarmd serves the multi-agent orchestration API: task submission with
// SSE streaming, the session directory, human interventions and the
// relay history endpoints.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/emergentworks/swarmd/pkg/api"
	"github.com/emergentworks/swarmd/pkg/cleanup"
	"github.com/emergentworks/swarmd/pkg/config"
	"github.com/emergentworks/swarmd/pkg/database"
	"github.com/emergentworks/swarmd/pkg/session"
	"github.com/emergentworks/swarmd/pkg/skills"
	"github.com/emergentworks/swarmd/pkg/storage"
	"github.com/emergentworks/swarmd/pkg/storage/memory"
	"github.com/emergentworks/swarmd/pkg/storage/postgres"
	"github.com/emergentworks/swarmd/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	logger := slog.Default()
	logger.Info("Starting swarmd",
		"version", version.Full(),
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"default_provider", cfg.DefaultProvider)

	// 2. Storage backend
	var (
		repo storage.Repository
		db   *sql.DB
	)
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			logger.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		client, err := database.NewClient(ctx, dbCfg)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error("Error closing database client", "error", err)
			}
		}()
		db = client.DB()
		repo = postgres.New(db)
		logger.Info("Connected to PostgreSQL database")
	default:
		repo = memory.New()
		logger.Info("Using in-memory storage")
	}

	// 3. Session manager
	mgr := session.NewManager(repo, skills.NewRegistry(), logger)
	mgr.SetSessionTTL(cfg.SessionTTL)
	defer mgr.Close()
	logger.Info("Session manager initialized", "session_ttl", cfg.SessionTTL)

	// 4. Expired-session sweeper
	sweeper := cleanup.NewService(mgr, cfg.CleanupInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 5. HTTP server
	server := api.NewServer(cfg, mgr, repo, db, logger)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Addr())
		if err := server.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-proxy-router/internal/config"
	"github.com/tributary-ai/llm-proxy-router/internal/ledger"
	"github.com/tributary-ai/llm-proxy-router/internal/providers"
	"github.com/tributary-ai/llm-proxy-router/internal/proxyapi"
	"github.com/tributary-ai/llm-proxy-router/internal/routing"
	"github.com/tributary-ai/llm-proxy-router/internal/scheduler"
	"github.com/tributary-ai/llm-proxy-router/internal/server"
	"github.com/tributary-ai/llm-proxy-router/internal/settings"
	"github.com/tributary-ai/llm-proxy-router/internal/storage"
)

// Application holds the wired components
type Application struct {
	config     *config.Config
	logger     *logrus.Logger
	db         *sql.DB
	secrets    settings.SecretStore
	failures   ledger.Store
	syncer     *ledger.Syncer
	controller *routing.Controller
	scheduler  *scheduler.Scheduler
}

// NewApplication loads configuration and wires storage, the routing
// controller and the ledger syncer.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	app := &Application{config: cfg, logger: logger}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *Application) wire() error {
	ctx := context.Background()
	cfg := app.config

	catalog, err := cfg.Catalog()
	if err != nil {
		return fmt.Errorf("invalid model catalog: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	app.db = db

	process := cfg.SeedRoutingConfig()
	store, err := settings.NewSQLiteStore(ctx, db, process, app.logger)
	if err != nil {
		return fmt.Errorf("failed to open settings store: %w", err)
	}
	if _, err := settings.ApplyProcessConfig(ctx, store, process); err != nil {
		return fmt.Errorf("failed to apply routing mode: %w", err)
	}

	if cfg.Secrets.Path != "" {
		secrets, err := settings.OpenFileSecrets(cfg.Secrets.Path, app.logger)
		if err != nil {
			return fmt.Errorf("failed to open secrets file: %w", err)
		}
		app.secrets = secrets
	} else {
		app.secrets = settings.NewMemorySecrets(nil)
	}

	failures, err := ledger.NewSQLiteStore(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to open failure ledger: %w", err)
	}
	app.failures = failures

	override := ""
	if cfg.Distribution.Enabled {
		override = cfg.Distribution.ProxyURL
	}
	endpoints := routing.NewProxyEndpoints(store, app.secrets, override)
	proxyClient := proxyapi.NewClient(endpoints, cfg.Sync.Timeout, app.logger)

	app.syncer = ledger.NewSyncer(failures, proxyClient, cfg.ToSyncerConfig(), app.logger)

	app.controller, err = routing.NewController(routing.Dependencies{
		Catalog:      catalog,
		Settings:     store,
		Secrets:      app.secrets,
		Factory:      providers.NewDefaultFactory(app.logger),
		Ledger:       failures,
		Endpoints:    endpoints,
		Providers:    cfg.ProviderEndpoints(),
		Credentials:  proxyClient,
		OnRecovered:  app.syncer.Trigger,
		ProxyTimeout: cfg.Routing.ProxyTimeout,
	}, cfg.ToRetryPolicy(), app.logger)
	if err != nil {
		return fmt.Errorf("failed to create routing controller: %w", err)
	}

	app.scheduler, err = scheduler.NewScheduler(cfg.ToSchedulerConfig(), app.syncer, app.controller, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	app.logger.WithFields(logrus.Fields{
		"distribution": cfg.Distribution.Enabled,
		"models":       len(catalog.Models()),
		"storage":      cfg.Storage.Path,
	}).Info("Application wired")
	return nil
}

// Serve runs the gateway until SIGINT or SIGTERM
func (app *Application) Serve() error {
	app.logger.Info("Starting LLM proxy router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.NewServer(app.controller, app.failures, app.syncer, app.config.ToServerConfig(), app.logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	app.syncer.Start(ctx)
	app.scheduler.Start()

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := srv.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		runErr = errors.Join(runErr, fmt.Errorf("server shutdown failed: %w", err))
	}
	app.scheduler.Stop()
	cancel()
	app.syncer.Stop()

	if runErr == nil {
		app.logger.Info("Graceful shutdown completed")
	}
	return runErr
}

// Close releases the database and secrets watcher
func (app *Application) Close() {
	if closer, ok := app.secrets.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close secrets store")
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close database")
		}
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

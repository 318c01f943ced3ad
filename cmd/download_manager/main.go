package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/download_manager/internal/cleanup"
	"github.com/italolelis/download_manager/internal/config"
	"github.com/italolelis/download_manager/internal/downloader"
	"github.com/italolelis/download_manager/internal/events"
	"github.com/italolelis/download_manager/internal/http/rest"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/notifier"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/storage/jsonfile"
	"github.com/italolelis/download_manager/internal/storage/sqlite"
	"github.com/italolelis/download_manager/internal/telemetry"
	"github.com/italolelis/download_manager/internal/transfer"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.NewJSONLogger(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("download manager starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Store
	store, closeStore, err := openStore(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	// =========================================================================
	// Start Downloader
	bus := events.NewBus(ctx)

	client := transfer.NewInstrumentedClient(
		transfer.NewHTTPClient(cfg.RequestTimeout, cfg.UserAgent),
		tel,
		"http",
	)

	engine := transfer.NewEngine(store, client, bus, transfer.EngineConfig{
		ChunkSize:           cfg.ChunkSize,
		ProgressLogInterval: cfg.ProgressLogInterval,
		Telemetry:           tel,
	})

	manager := downloader.New(ctx, store, bus, engine, downloader.Config{
		DownloadDir:     cfg.DownloadDir,
		RetainCompleted: cfg.RetainCompleted,
		ResumeOnStartup: cfg.ResumeOnStartup,
		Retry: downloader.RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
	}, tel)

	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover downloads: %w", err)
	}

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		go notifier.Watch(ctx, manager, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
	}

	// =========================================================================
	// Start Cleanup
	if cfg.RetainCompleted {
		go cleanup.Run(ctx, manager, cfg.CleanupInterval, cfg.KeepCompletedFor)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, manager, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"store_backend", cfg.StoreBackend,
		"resume_on_startup", cfg.ResumeOnStartup,
		"retention", cfg.KeepCompletedFor.String(),
	)

	// =========================================================================
	// Shutdown
	var runErr error

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give outstanding requests and runs a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = errors.Join(runErr, fmt.Errorf("could not stop server gracefully: %w", err))
		}
	}

	if err := manager.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("could not stop downloads gracefully: %w", err))
	}

	return runErr
}

// openStore builds the configured store and returns a function releasing it.
func openStore(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (storage.Store, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	switch cfg.StoreBackend {
	case config.StoreBackendSQLite:
		database, err := sqlite.InitDB(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}

		return storage.NewInstrumentedStore(sqlite.NewDownloadRepository(database), tel), func() {
			if err := database.Close(); err != nil {
				logger.Error("failed to close database", "err", err)
			}
		}, nil
	default:
		store, err := jsonfile.Open(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}

		return storage.NewInstrumentedStore(store, tel), func() {}, nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *downloader.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewDownloadsHandler(manager, cfg.API.Username, cfg.API.Password).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "download_manager"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

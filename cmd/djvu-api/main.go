// Package main provides the DjVu catalog query API server entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/WolfgangFahl/djvu-viewer/internal/api"
	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
	"github.com/WolfgangFahl/djvu-viewer/internal/config"
	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

func main() {
	_ = godotenv.Load()

	cfgPath := config.PathFromEnv()
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: "djvu-api",
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Msg("Starting DjVu catalog API")

	driver, err := catalog.ParseDriver(cfg.Database.Driver)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid database driver")
	}
	store, err := catalog.Open(driver, cfg.DatabaseDSN(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot open catalog")
	}
	defer store.Close()
	if driver == catalog.DriverPostgres {
		pg := cfg.Database.Postgres
		store.ConfigurePool(pg.MaxOpenConns, pg.MaxIdleConns,
			config.DurationOr(pg.ConnMaxLifetime, 30*time.Minute))
	}

	registry, err := catalog.LoadRegistry(config.ResolveRelativePath(cfgPath, cfg.Queries.Path))
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot load query registry")
	}
	executor := catalog.NewExecutor(store, registry, logger)

	readTimeout := config.DurationOr(cfg.Server.ReadTimeout, 10*time.Second)
	writeTimeout := config.DurationOr(cfg.Server.WriteTimeout, 30*time.Second)
	router := api.NewRouter(executor, logger, writeTimeout)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Int("queries", registry.Len()).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		config.DurationOr(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
}

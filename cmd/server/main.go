/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the local pharmacy ledger engine: SQLite store,
  sale coordinator, sync engine + scheduler, and the thin HTTP API. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (env vars, optional .env)
  2. Build the zerolog logger
  3. Open the SQLite store
  4. Wire sync client, merger, engine, scheduler
  5. Wire the sale coordinator (fast path enabled when a remote is set)
  6. Start the HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (15s drain)
  2. Stop the sync scheduler
  3. Close the database

SEE ALSO:
  - config/config.go: all settings and defaults
  - api/server.go: router configuration
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pharmstack/ledger-engine/api"
	"github.com/pharmstack/ledger-engine/config"
	"github.com/pharmstack/ledger-engine/ledger"
	"github.com/pharmstack/ledger-engine/logger"
	"github.com/pharmstack/ledger-engine/sale"
	"github.com/pharmstack/ledger-engine/store/sqlite"
	"github.com/pharmstack/ledger-engine/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		println("configuration error:", err.Error())
		os.Exit(1)
	}

	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})

	store, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("open store failed")
	}
	defer store.Close()

	clock := ledger.SystemClock{}

	// The remote is optional: without a base URL the device runs fully local
	// and the queue accumulates until one is configured.
	connectivity := sync.OnlineFunc(func() bool { return cfg.Remote.BaseURL != "" })

	client := sync.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout)
	merger := sync.NewMerger(store, store, client, log)
	engine := sync.NewEngine(store, client, merger, connectivity, clock, sync.Config{
		MaxRetries:    cfg.Sync.MaxRetries,
		BackoffBase:   cfg.Sync.BackoffBase,
		BackoffFactor: cfg.Sync.BackoffFactor,
		BackoffCap:    cfg.Sync.BackoffCap,
	}, log)

	coordinator := sale.NewCoordinator(store, clock, log)
	if cfg.Remote.BaseURL != "" && cfg.Sync.FastPathTimeout > 0 {
		coordinator.WithFastPath(engine, cfg.Sync.FastPathTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := sync.NewScheduler(engine, cfg.Sync.Interval, clock, log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	handler := api.NewHandler(store, store, coordinator, engine, clock, log)
	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.NewRouter(handler),
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("env", cfg.App.Env).Msg("ledger engine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}

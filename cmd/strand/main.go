// Strand event server: hosts an append-only event store behind a
// WebSocket protocol carrying commands, subscriptions, and live events.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/strandlabs/strand/pkg/api"
	"github.com/strandlabs/strand/pkg/bus"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/server"
	"github.com/strandlabs/strand/pkg/store"
	"github.com/strandlabs/strand/pkg/store/memory"
	"github.com/strandlabs/strand/pkg/store/postgres"
	"github.com/strandlabs/strand/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	// Load .env file; absence is fine, the environment wins either way.
	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting strand",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"store_backend", cfg.StoreBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Event store
	var eventStore store.EventStore
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		dbCfg, err := postgres.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		pgStore, err := postgres.New(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pgStore.Close(); err != nil {
				slog.Error("Error closing database", "error", err)
			}
		}()
		eventStore = pgStore
		slog.Info("Connected to PostgreSQL event store")
	case config.BackendMemory:
		memStore := memory.New()
		defer memStore.Close()
		eventStore = memStore
		slog.Info("Using in-memory event store")
	}

	// 2. Event bus pumping the store's commit feed
	eventBus, err := bus.New(ctx, eventStore)
	if err != nil {
		slog.Error("Failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	// 3. Command dispatcher over the registered aggregates
	dispatcher := dispatch.New(eventStore, registerAggregates(),
		dispatch.WithConflictRetries(cfg.ConflictRetries))

	// 4. Protocol and HTTP servers
	protoServer := server.NewServer(eventStore, dispatcher, eventBus)
	httpServer := api.NewServer(protoServer, eventStore)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 5. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 6. Graceful shutdown: stop the HTTP server first so no new sessions
	// arrive, then tear the bus and store down via the deferred closers.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// registerAggregates returns the aggregates this deployment dispatches
// commands to. The base server ships none; embedders add theirs here or
// build their own main around the packages.
func registerAggregates() []dispatch.Aggregate {
	return nil
}

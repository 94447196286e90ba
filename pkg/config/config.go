// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backends selectable via STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the server's runtime configuration.
type Config struct {
	// HTTPPort is the port the HTTP/WebSocket server listens on.
	HTTPPort string

	// StoreBackend selects the event store implementation.
	StoreBackend string

	// ConflictRetries is how many times the dispatcher reloads and
	// re-executes a command after an optimistic concurrency conflict.
	ConflictRetries int

	// ShutdownTimeout bounds graceful teardown of the HTTP server.
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	backend := getEnvOrDefault("STORE_BACKEND", BackendPostgres)
	if backend != BackendMemory && backend != BackendPostgres {
		return Config{}, fmt.Errorf("invalid STORE_BACKEND %q: must be %q or %q",
			backend, BackendMemory, BackendPostgres)
	}

	retries, err := strconv.Atoi(getEnvOrDefault("DISPATCH_CONFLICT_RETRIES", "0"))
	if err != nil || retries < 0 {
		return Config{}, fmt.Errorf("invalid DISPATCH_CONFLICT_RETRIES: %q",
			os.Getenv("DISPATCH_CONFLICT_RETRIES"))
	}

	shutdownSecs, err := strconv.Atoi(getEnvOrDefault("SHUTDOWN_TIMEOUT_SECONDS", "10"))
	if err != nil || shutdownSecs <= 0 {
		return Config{}, fmt.Errorf("invalid SHUTDOWN_TIMEOUT_SECONDS: %q",
			os.Getenv("SHUTDOWN_TIMEOUT_SECONDS"))
	}

	return Config{
		HTTPPort:        getEnvOrDefault("HTTP_PORT", "8080"),
		StoreBackend:    backend,
		ConflictRetries: retries,
		ShutdownTimeout: time.Duration(shutdownSecs) * time.Second,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command syncserver starts the AleutianSync realtime collaboration server.
//
// This is the main entry point for the containerized sync service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - SYNC_PORT: HTTP server port (default: 12310)
//   - DATABASE_URL: Postgres connection string (optional; ephemeral without it)
//   - REDIS_ADDR: Redis host:port for the update bus (optional)
//   - REDIS_CHANNEL: pub/sub channel override (optional)
//   - CODEC_BACKEND: CRDT engine - automerge, remote (default: automerge)
//   - CODEC_SIDECAR_URL: codec sidecar base URL (required for remote backend)
//   - MEMBERSHIP_SERVICE_URL: workspace service base URL (optional; dev mode without it)
//   - SNAPSHOT_UPDATE_THRESHOLD: merges per snapshot (default: 100)
//   - SNAPSHOT_BYTE_THRESHOLD: buffered bytes per snapshot (default: 1 MiB)
//   - SNAPSHOT_MAX_AGE: age trigger for snapshots (default: 1m)
//   - FLUSH_INTERVAL: background sweep cadence (default: 15s)
//   - IDLE_EVICT_AFTER: idle workspace eviction window (default: 5m)
//   - LOG_UPDATES: enable the append-only update log (default: false)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//   - ENABLE_TRACING: install the OTLP exporter (default: false)
//   - SYNC_LOG_LEVEL: debug, info, warn, error (default: info)
//   - SYNC_LOG_DIR: directory for JSON log files (optional; stderr only without it)
//
// # Usage
//
//	# Build
//	go build -o syncserver ./cmd/syncserver
//
//	# Run
//	./syncserver
//
//	# Or via container
//	podman-compose up syncserver
package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianSync/pkg/logging"
	"github.com/AleutianAI/AleutianSync/services/realtime"
)

func main() {
	// Setup structured logging (stderr + optional JSON file)
	logger := logging.New(logging.Config{
		Level:   logLevelFromEnv(),
		LogDir:  os.Getenv("SYNC_LOG_DIR"),
		Service: "syncserver",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := realtime.Config{
		Port:                    getEnvInt("SYNC_PORT", 12310),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisChannel:            os.Getenv("REDIS_CHANNEL"),
		CodecBackend:            getEnvString("CODEC_BACKEND", "automerge"),
		CodecSidecarURL:         os.Getenv("CODEC_SIDECAR_URL"),
		MembershipURL:           os.Getenv("MEMBERSHIP_SERVICE_URL"),
		OTelEndpoint:            getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
		EnableMetrics:           true,
		EnableTracing:           getEnvBool("ENABLE_TRACING", false),
		SnapshotUpdateThreshold: getEnvInt("SNAPSHOT_UPDATE_THRESHOLD", 0),
		SnapshotByteThreshold:   getEnvInt("SNAPSHOT_BYTE_THRESHOLD", 0),
		SnapshotMaxAge:          getEnvDuration("SNAPSHOT_MAX_AGE", 0),
		FlushInterval:           getEnvDuration("FLUSH_INTERVAL", 15*time.Second),
		IdleEvictAfter:          getEnvDuration("IDLE_EVICT_AFTER", 5*time.Minute),
		LogUpdates:              getEnvBool("LOG_UPDATES", false),
	}

	slog.Info("Starting realtime sync service",
		"port", cfg.Port,
		"codec_backend", cfg.CodecBackend,
		"database_configured", cfg.DatabaseURL != "",
		"redis_configured", cfg.RedisAddr != "",
	)

	svc, err := realtime.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create sync service: %v", err)
	}

	// Flush dirty documents before the process exits
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("Shutdown signal received", "signal", sig.String())
		svc.Close()
		os.Exit(0)
	}()

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		svc.Close()
		log.Fatalf("Sync service error: %v", err)
	}
}

// logLevelFromEnv maps SYNC_LOG_LEVEL to a logging.Level.
func logLevelFromEnv() logging.Level {
	switch getEnvString("SYNC_LOG_LEVEL", "info") {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

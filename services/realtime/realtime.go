// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package realtime provides the collaborative document sync service for
// AleutianSync.
//
// This package contains the main service type that coordinates all
// components: the WebSocket protocol surface, the workspace document
// manager, CRDT codec selection, snapshot persistence, the Redis update
// bus, and observability infrastructure.
//
// # Usage
//
//	cfg := realtime.Config{Port: 12310}
//	svc, err := realtime.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	log.Fatal(svc.Run())
//
// # Degraded Modes
//
// Every external dependency is optional, and the service degrades
// explicitly rather than failing to start:
//
//   - No DATABASE_URL: snapshots live in process memory (ephemeral).
//   - No REDIS_ADDR: no cross-instance fan-out, single-instance only.
//   - No MEMBERSHIP_SERVICE_URL: every user is admitted (dev mode).
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianSync/services/realtime/auth"
	"github.com/AleutianAI/AleutianSync/services/realtime/bus"
	"github.com/AleutianAI/AleutianSync/services/realtime/crdt"
	"github.com/AleutianAI/AleutianSync/services/realtime/doc"
	"github.com/AleutianAI/AleutianSync/services/realtime/observability"
	"github.com/AleutianAI/AleutianSync/services/realtime/registry"
	"github.com/AleutianAI/AleutianSync/services/realtime/routes"
	"github.com/AleutianAI/AleutianSync/services/realtime/store"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the realtime sync service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Close flushes dirty documents, stops background work, and
	// releases external connections. Safe to call once.
	Close()
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds realtime service configuration options.
//
// All fields are optional; New() applies defaults, and empty external
// endpoints select the corresponding degraded mode.
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// DatabaseURL is the Postgres connection string for durable
	// snapshots. Empty selects the in-memory store.
	DatabaseURL string

	// RedisAddr is the Redis host:port for the cross-instance bus and
	// snapshot cache. Empty disables both.
	RedisAddr string

	// RedisChannel overrides the pub/sub channel name.
	RedisChannel string

	// CacheTTL bounds the shared snapshot cache entries.
	// Default: 5 minutes.
	CacheTTL time.Duration

	// CodecBackend selects the CRDT engine.
	// Valid values: "automerge", "remote", "fake"
	// Default: "automerge"
	CodecBackend string

	// CodecSidecarURL is the base URL of the codec sidecar, required
	// when CodecBackend is "remote".
	CodecSidecarURL string

	// MembershipURL is the workspace service base URL for membership
	// checks. Empty admits everyone (dev mode).
	MembershipURL string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics registers Prometheus metrics. Off by default so
	// tests can build many services in one process.
	EnableMetrics bool

	// EnableTracing installs the OTLP exporter and gin middleware.
	EnableTracing bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// SnapshotUpdateThreshold, SnapshotByteThreshold, and
	// SnapshotMaxAge feed the persistence trigger policy. Zero values
	// use the doc package defaults.
	SnapshotUpdateThreshold int
	SnapshotByteThreshold   int
	SnapshotMaxAge          time.Duration

	// FlushInterval is the background sweep cadence. Default: 15s.
	FlushInterval time.Duration

	// IdleEvictAfter is how long a workspace with no local sessions
	// stays resident. Default: 5 minutes.
	IdleEvictAfter time.Duration

	// LogUpdates enables the append-only update log between snapshots.
	LogUpdates bool
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.CodecBackend == "" {
		cfg.CodecBackend = "automerge"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 15 * time.Second
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns; mutable state lives inside the manager and registry.
type service struct {
	config      Config
	router      *gin.Engine
	pool        *pgxpool.Pool
	redisClient *redis.Client
	updateBus   bus.Bus
	snapshots   store.SnapshotStore
	codec       crdt.Codec
	registry    *registry.Registry
	manager     *doc.Manager
	flusher     *doc.Flusher
	membership  auth.Membership

	busCancel     context.CancelFunc
	tracerCleanup func(context.Context)
}

// New creates a realtime Service with the given configuration.
//
// # Description
//
// New initializes all components in dependency order:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing and Prometheus metrics
//  3. Connects the snapshot store (Postgres or in-memory)
//  4. Connects the update bus (Redis or disabled)
//  5. Selects the CRDT codec backend
//  6. Wires the registry, document manager, and flusher
//  7. Subscribes the bus listener and starts the flusher
//  8. Sets up HTTP routes
//
// # Outputs
//
//   - Service: Ready-to-run sync service
//   - error: Non-nil if initialization fails
//
// # Assumptions
//
//   - Configured external services are reachable; unreachable optional
//     ones degrade per the package comment.
func New(cfg Config) (Service, error) {
	s := &service{
		config:   applyConfigDefaults(cfg),
		registry: registry.New(),
	}

	if s.config.EnableTracing {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if s.config.EnableMetrics && observability.DefaultMetrics == nil {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for realtime sync")
	}

	if err := s.initStore(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
	}

	if err := s.initBus(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize update bus: %w", err)
	}

	if err := s.initCodec(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize codec: %w", err)
	}

	s.initMembership()
	s.initManager()

	if err := s.startBackground(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start background work: %w", err)
	}

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting realtime sync server",
		"port", s.config.Port,
		"codec", s.config.CodecBackend,
		"bus_enabled", s.updateBus.Enabled())

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close flushes dirty documents and releases all resources.
//
// # Description
//
// Shutdown order matters: stop the flusher and bus listener first so no
// new merges arrive, then force-persist every dirty document, then drop
// the external connections.
func (s *service) Close() {
	if s.flusher != nil {
		if err := s.flusher.Stop(); err != nil {
			slog.Warn("Flusher stop error", "error", err)
		}
	}
	if s.busCancel != nil {
		s.busCancel()
	}
	if s.updateBus != nil {
		if err := s.updateBus.Close(); err != nil {
			slog.Warn("Bus close error", "error", err)
		}
	}

	if s.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.manager.PersistAll(ctx); err != nil {
			slog.Error("Final snapshot flush incomplete", "error", err)
		}
		cancel()
	}

	if s.pool != nil {
		s.pool.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			slog.Warn("Redis close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("realtime-sync-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStore connects the durable snapshot store.
func (s *service) initStore() error {
	if s.config.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not configured, snapshots are ephemeral")
		s.snapshots = store.NewMemoryStore()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, s.config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create Postgres pool: %w", err)
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	s.pool = pool
	s.snapshots = pg
	slog.Info("Postgres snapshot store initialized")
	return nil
}

// initBus connects the Redis update bus, or selects the disabled bus.
func (s *service) initBus() error {
	if s.config.RedisAddr == "" {
		slog.Info("REDIS_ADDR not configured, running single-instance")
		s.updateBus = bus.NewNoopBus()
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.config.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis unreachable at %s: %w", s.config.RedisAddr, err)
	}

	s.redisClient = client
	s.updateBus = bus.NewRedisBus(client, bus.RedisBusConfig{
		Channel:  s.config.RedisChannel,
		CacheTTL: s.config.CacheTTL,
	})
	slog.Info("Redis update bus initialized", "addr", s.config.RedisAddr)
	return nil
}

// initCodec selects the CRDT engine backend.
func (s *service) initCodec() error {
	switch s.config.CodecBackend {
	case "automerge":
		s.codec = crdt.NewAutomergeCodec()
		slog.Info("Using in-process Automerge codec")
	case "remote":
		if s.config.CodecSidecarURL == "" {
			return fmt.Errorf("remote codec requires CODEC_SIDECAR_URL")
		}
		s.codec = crdt.NewRemoteCodec(s.config.CodecSidecarURL)
		slog.Info("Using remote codec sidecar", "url", s.config.CodecSidecarURL)
	case "fake":
		s.codec = crdt.NewFakeCodec()
		slog.Warn("Using fake codec; state is not a real CRDT")
	default:
		return fmt.Errorf("unknown codec backend %q", s.config.CodecBackend)
	}
	return nil
}

// initMembership selects the workspace authorization backend.
func (s *service) initMembership() {
	if s.config.MembershipURL == "" {
		slog.Warn("MEMBERSHIP_SERVICE_URL not configured, admitting all users")
		s.membership = auth.AllowAll{}
		return
	}
	s.membership = auth.NewHTTPMembership(s.config.MembershipURL)
	slog.Info("Membership checks enabled", "url", s.config.MembershipURL)
}

// initManager wires the document manager and flusher.
func (s *service) initManager() {
	var updateLog store.UpdateLog
	if s.config.LogUpdates {
		if logStore, ok := s.snapshots.(store.UpdateLog); ok {
			updateLog = logStore
		} else {
			slog.Warn("Update log requested but store does not support it")
		}
	}

	s.manager = doc.NewManager(doc.Config{
		Policy: doc.PersistPolicy{
			UpdateThreshold: s.config.SnapshotUpdateThreshold,
			ByteThreshold:   s.config.SnapshotByteThreshold,
			MaxAge:          s.config.SnapshotMaxAge,
		},
		IdleEvictAfter: s.config.IdleEvictAfter,
		LogUpdates:     updateLog != nil,
	}, s.codec, s.snapshots, updateLog, s.updateBus, s.registry)

	s.flusher = doc.NewFlusher(s.manager, doc.FlusherConfig{
		Interval: s.config.FlushInterval,
	})
}

// startBackground subscribes the bus listener and starts the flusher.
func (s *service) startBackground() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.busCancel = cancel

	if s.updateBus.Enabled() {
		if err := s.updateBus.Subscribe(ctx, s.manager.BusHandler()); err != nil {
			return fmt.Errorf("bus subscribe failed: %w", err)
		}
	}
	if err := s.flusher.Start(ctx); err != nil {
		return fmt.Errorf("flusher start failed: %w", err)
	}
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	if s.config.EnableTracing {
		s.router.Use(otelgin.Middleware("realtime-sync-service"))
	}

	routes.SetupRoutes(s.router, s.manager, s.registry, s.membership, s.snapshots)
}

// Pulse server — serves the progress streaming API, runs queue workers, and
// accepts gRPC progress ingest from out-of-process compute runners.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	"github.com/forgecad/pulse/pkg/api"
	"github.com/forgecad/pulse/pkg/audit"
	"github.com/forgecad/pulse/pkg/broker"
	"github.com/forgecad/pulse/pkg/cleanup"
	"github.com/forgecad/pulse/pkg/config"
	"github.com/forgecad/pulse/pkg/database"
	"github.com/forgecad/pulse/pkg/ingest"
	"github.com/forgecad/pulse/pkg/lifecycle"
	"github.com/forgecad/pulse/pkg/reporter"
	"github.com/forgecad/pulse/pkg/services"
	"github.com/forgecad/pulse/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	podID := resolvePodID()
	grpcPort := getEnv("GRPC_PORT", "50051")

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting pulse",
		"http_port", cfg.HTTPPort,
		"grpc_port", grpcPort,
		"pod_id", podID)

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Start the progress broker (LISTEN connection + cache + throttle)
	brk := broker.New(dbClient.DB(), dbClient.Client, dbConfig.DSN(), broker.Config{
		ThrottleInterval: cfg.Broker.ThrottleInterval,
		CacheSize:        cfg.Broker.CacheSize,
		CacheTTL:         cfg.Broker.CacheTTL,
	})
	if err := brk.Start(ctx); err != nil {
		slog.Error("Failed to start progress broker", "error", err)
		os.Exit(1)
	}
	defer brk.Stop(ctx)
	slog.Info("Progress broker started")

	// 4. Domain services
	auditService := audit.NewService(audit.NewEntStore(dbClient.Client))
	lifecycleManager := lifecycle.NewManager(dbClient.Client, auditService, brk)
	jobService := services.NewJobService(dbClient.Client)
	stateStore := reporter.NewEntStateStore(dbClient.Client)
	slog.Info("Services initialized")

	// 5. Start worker pool (before HTTP server). Compute runners are
	// registered per deployment; the stock binary ships the smoke runner so
	// end-to-end delivery can be verified on a fresh install.
	runners := worker.NewRegistry()
	runners.Register("smoke_test", worker.RunnerFunc(smokeRun))

	workerPool := worker.NewPool(podID, dbClient.Client, worker.Config{
		WorkerCount:        cfg.Queue.WorkerCount,
		MaxConcurrentJobs:  cfg.Queue.MaxConcurrentJobs,
		PollInterval:       cfg.Queue.PollInterval,
		PollJitter:         cfg.Queue.PollIntervalJitter,
		JobTimeout:         cfg.Queue.JobTimeout,
		HeartbeatInterval:  cfg.Queue.HeartbeatInterval,
		MaxRetries:         cfg.Queue.MaxRetries,
		OrphanScanInterval: cfg.Queue.OrphanDetectionInterval,
		OrphanStaleAfter:   cfg.Queue.OrphanThreshold,
	}, runners, lifecycleManager, brk, stateStore)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 6. Start retention service (expired streams + stale task states)
	retention := cleanup.NewService(cfg.Retention, brk, dbClient.Client)
	retention.Start(ctx)
	defer retention.Stop()

	// 7. Start gRPC ingest (non-blocking)
	grpcServer := grpc.NewServer()
	ingest.NewServer(brk, stateStore).Register(grpcServer)

	grpcListener, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		slog.Error("Failed to listen on gRPC port", "port", grpcPort, "error", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("gRPC ingest listening", "addr", grpcListener.Addr().String())
		if err := grpcServer.Serve(grpcListener); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	// 8. Create HTTP server
	verifier := api.StaticVerifier{}
	for _, t := range cfg.AuthTokens {
		verifier[t.Token] = services.Subject{ID: t.SubjectID, Admin: t.Admin}
	}

	httpServer := api.NewServer(api.Config{
		SSEKeepalive:       cfg.Stream.SSEKeepalive,
		WSWriteTimeout:     cfg.Stream.WSWriteTimeout,
		SubscribePerSecond: cfg.Stream.SubscribePerSecond,
		SubscribeBurst:     cfg.Stream.SubscribeBurst,
	}, dbClient, jobService, lifecycleManager, brk, verifier)
	httpServer.SetWorkerPool(workerPool)

	// 9. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Pulse started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: workers first (active jobs finish or get
	// orphan-recovered by another pod), then ingest, then HTTP.
	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — incomplete jobs will be orphan-recovered")
	}

	retention.Stop()
	grpcServer.GracefulStop()
	brk.Stop(ctx)

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

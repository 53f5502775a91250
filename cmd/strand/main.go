// Strand orchestration server — serves the HTTP API, runs the executor
// worker pool and maintains the sandbox warm pool in one process.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/strandlabs/strand/pkg/api"
	"github.com/strandlabs/strand/pkg/billing"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/coordination"
	"github.com/strandlabs/strand/pkg/database"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/engine"
	"github.com/strandlabs/strand/pkg/executor"
	"github.com/strandlabs/strand/pkg/sandbox"
	"github.com/strandlabs/strand/pkg/services"
	"github.com/strandlabs/strand/pkg/stream"
	"github.com/strandlabs/strand/pkg/version"
)

func main() {
	// Load .env when present; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting strand",
		"version", version.Full(),
		"instance_id", cfg.InstanceID,
		"http_port", cfg.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 2. Database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	db, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Connected to PostgreSQL")

	// 3. Coordination store
	coordConfig, err := coordination.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load coordination config", "error", err)
		os.Exit(1)
	}
	coord, err := coordination.NewClient(ctx, coordConfig)
	if err != nil {
		slog.Error("Failed to connect to coordination store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := coord.Close(); err != nil {
			slog.Error("Error closing coordination client", "error", err)
		}
	}()
	slog.Info("Connected to coordination store", "key_ttl", coord.KeyTTL())

	// 4. Durable-store services
	projectService := services.NewProjectService(db.Pool())
	threadService := services.NewThreadService(db.Pool())
	messageService := services.NewMessageService(db.Pool())
	runService := services.NewRunService(db.Pool())

	// 5. Billing: pricing catalog, ledger, BYOK key manager
	cipher, err := billing.NewCipherFromEnv()
	if err != nil {
		slog.Error("Failed to initialize key cipher", "error", err)
		os.Exit(1)
	}
	pricing := billing.NewPricingCatalog(coord, cfg.Engine.OpenRouterBaseURL)
	ledger := billing.NewLedger(db.Pool(), coord, pricing)
	keyManager := billing.NewKeyManager(db.Pool(), cipher, coord, ledger, cfg.Engine.OpenRouterAPIKey)

	// 6. Sandbox provider and warm pool
	sandboxConfig, err := sandbox.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load sandbox config", "error", err)
		os.Exit(1)
	}
	provider := sandbox.NewDaytonaClient(sandboxConfig)
	pool := sandbox.NewManager(provider, coord, sandboxConfig, cfg.InstanceID)
	if err := pool.EnsureWarmPool(ctx); err != nil {
		// Warm capacity is an optimization; allocation still works cold.
		slog.Warn("Failed to fill sandbox warm pool", "error", err)
	}
	go pool.Maintain(ctx)

	// 7. Dispatch queue and dispatcher
	queue, err := dispatch.NewQueue(coord.Redis(), cfg.Queue)
	if err != nil {
		slog.Error("Failed to create dispatch queue", "error", err)
		os.Exit(1)
	}
	dispatcher := dispatch.NewDispatcher(runService, threadService, projectService, ledger, pool, queue, coord, cfg.InstanceID)

	// 8. Agent engine and executor pool
	runner := engine.NewAgentRunner(cfg.Engine, messageService, ledger, keyManager, provider, provider)
	exec := executor.NewExecutor(coord, runService, runner, cfg.Queue, cfg.InstanceID)
	workerPool := executor.NewPool(exec, coord, runService, cfg.Queue, cfg.InstanceID)

	sink, err := queue.NewSink(ctx)
	if err != nil {
		slog.Error("Failed to join dispatch sink", "error", err)
		os.Exit(1)
	}
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		workerPool.Run(ctx, executor.NewPulseSink(sink))
	}()
	slog.Info("Executor pool started", "workers", cfg.Queue.WorkerCount)

	// 9. Stale-lock janitor
	janitor := coordination.NewJanitor(coord, runService)
	go janitor.Run(ctx)

	// 10. HTTP server
	deliverer := stream.NewDeliverer(coord, runService)
	server := api.NewServer(cfg, api.Deps{
		Dispatcher: dispatcher,
		Streamer:   deliverer,
		Runs:       runService,
		Projects:   projectService,
		Threads:    threadService,
		Messages:   messageService,
		Billing:    ledger,
		Keys:       keyManager,
		Pool:       pool,
		Uploads:    provider,
		Health: api.HealthSources{
			Database: func(ctx context.Context) error {
				_, err := database.Health(ctx, db.Pool())
				return err
			},
			Redis:    coord.Ping,
			Pool:     pool.Status,
			Locks:    coord.Monitor().Snapshot,
			Executor: workerPool.Health,
		},
	})

	if err := server.Run(ctx); err != nil {
		slog.Error("HTTP server error", "error", err)
	}

	// 11. Graceful shutdown: the server has drained; now stop the workers.
	slog.Info("Shutting down", "timeout", cfg.Queue.GracefulShutdownTimeout)
	workerPool.Stop()
	select {
	case <-poolDone:
		slog.Info("Executor pool drained")
	case <-time.After(cfg.Queue.GracefulShutdownTimeout):
		slog.Warn("Executor pool shutdown timeout exceeded")
	}
	slog.Info("Shutdown complete")
}

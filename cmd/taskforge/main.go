// Package main is the entry point for the taskforge server: the task
// board, the agent orchestrator, and the HTTP/WebSocket API in one
// process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskforge/taskforge/internal/agent/credentials"
	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/common/tracing"
	"github.com/taskforge/taskforge/internal/db"
	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/orchestrator"
	"github.com/taskforge/taskforge/internal/sandbox/docker"
	"github.com/taskforge/taskforge/internal/server/httpapi"
	"github.com/taskforge/taskforge/internal/server/ws"
	"github.com/taskforge/taskforge/internal/session"
	"github.com/taskforge/taskforge/internal/streams"
	"github.com/taskforge/taskforge/internal/task/repository"
	"github.com/taskforge/taskforge/internal/task/service"
	"github.com/taskforge/taskforge/internal/worktree"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting taskforge server...")

	// 3. Root context cancelled by SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Open the database and build the repository
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	repo, closeRepo, err := repository.Provide(pool)
	if err != nil {
		log.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer closeRepo()
	log.Info("Database ready", zap.String("driver", pool.Driver()))

	// 5. Durable session event streams over the same pool
	store, err := streams.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize stream store", zap.Error(err))
	}
	streamSvc := streams.New(store, log)
	defer streamSvc.Close()

	// 6. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 7. Docker sandbox provider. An unreachable daemon is not fatal:
	// the API stays up and agent launches fail with a clear error.
	sandboxes := docker.NewProvider(cfg.Docker, cfg.Sandbox, repo, log)
	defer sandboxes.Close()
	if err := sandboxes.HealthCheck(ctx); err != nil {
		log.Warn("Docker daemon unreachable, agent launches will fail until it recovers", zap.Error(err))
	}

	// 8. Credential resolution: stored project keys first, then the
	// local Claude Code credentials file.
	creds := credentials.NewResolver(log,
		credentials.NewStoreProvider(repo),
		credentials.NewFileProvider(""),
	)

	// 9. Core services
	worktrees := worktree.NewManager(cfg.Worktree, repo, log)
	sessions := session.NewService(repo, streamSvc, eventBus, log)
	tasks := service.NewService(repo, eventBus, log)

	orch := orchestrator.New(cfg.Agent, cfg.Sandbox, orchestrator.Deps{
		Repo:      repo,
		Tasks:     tasks,
		Sessions:  sessions,
		Worktrees: worktrees,
		Sandboxes: sandboxes,
		Creds:     creds,
		Bus:       eventBus,
		Logger:    log,
	})
	tasks.SetAgentRunner(orch)

	// 10. Sessions left active by a previous process are orphans now
	if closed, err := sessions.CloseStale(ctx); err != nil {
		log.Warn("Failed to close stale sessions", zap.Error(err))
	} else if closed > 0 {
		log.Info("Closed stale sessions from previous run", zap.Int("count", closed))
	}

	// 11. HTTP API plus the WebSocket stream gateway on the same router
	server := httpapi.New(cfg.Server, httpapi.Deps{
		Tasks:     tasks,
		Sessions:  sessions,
		Streams:   streamSvc,
		Worktrees: worktrees,
		Sandboxes: sandboxes,
		Bus:       eventBus,
		Logger:    log,
	})
	ws.NewGateway(streamSvc, log).Mount(server.Engine())

	// 12. Serve until the signal context cancels
	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		// Running agents get stop-files and the grace period before
		// their execs are killed.
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Error("Orchestrator shutdown error", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
	log.Info("taskforge server stopped")
}

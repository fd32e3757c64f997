// Package main implements the entry point for the relay worker service,
// which consumes task envelopes from the broker, executes registered
// handlers on an elastic worker pool, and persists terminal outcomes to the
// result store.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/skovert/relay/internal/api"
	"github.com/skovert/relay/internal/config"
	"github.com/skovert/relay/internal/platform/logger"
	"github.com/skovert/relay/internal/platform/postgres"
	"github.com/skovert/relay/internal/task"
	"github.com/skovert/relay/internal/transport/kafka"
	"github.com/skovert/relay/internal/worker"
)

func main() {
	migrate := flag.Bool("migrate", false, "run pending database migrations before starting")
	migrationsDir := flag.String("migrations-dir", "migrations", "directory holding goose migration files")
	flag.Parse()

	if err := run(*migrate, *migrationsDir); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

// run wires the full service: config, logging, database, broker transport,
// handler registry, execution engine, pool, autoscaler, and the health
// server. It blocks until SIGINT/SIGTERM and then drains gracefully.
func run(migrate bool, migrationsDir string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger := logger.Setup(cfg.Server)
	appLogger.Info("worker configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"topic", cfg.Broker.Topic,
		"consumer_group", cfg.Broker.ConsumerGroup,
		"min_workers", cfg.Worker.MinWorkers,
		"max_workers", cfg.Worker.MaxWorkers)

	db, err := openDatabase(cfg.Store.URL)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("error closing database connection", "error", err)
		}
	}()

	if migrate {
		if err := runMigrations(db, migrationsDir, appLogger); err != nil {
			return err
		}
	}

	results := postgres.NewPostgresResultStore(db)

	broker, err := kafka.New(cfg.Broker.Seeds, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create broker transport: %w", err)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			appLogger.Error("error closing broker transport", "error", err)
		}
	}()

	registry := task.NewRegistry()
	registerHandlers(registry)

	coordinator := worker.NewCoordinator(results, cfg.Retry.BackoffBase, cfg.Retry.BackoffCap, appLogger)
	engine := worker.NewEngine(registry, results, coordinator, broker, worker.EngineConfig{
		DeadLetterTopic:   cfg.Broker.DeadLetterTopic,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
	}, appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub, err := broker.Subscribe(ctx, cfg.Broker.Topic, cfg.Broker.ConsumerGroup)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task topic: %w", err)
	}

	pool, err := worker.NewPool(engine, sub, worker.PoolConfig{
		MinWorkers: cfg.Worker.MinWorkers,
		MaxWorkers: cfg.Worker.MaxWorkers,
	}, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	scaler := worker.NewScaler(pool, worker.ScalerConfig{
		SampleInterval: cfg.Worker.SampleInterval,
		SampleWindow:   cfg.Worker.SampleWindow,
		ScaleUpBacklog: cfg.Worker.ScaleUpBacklog,
		ScaleDownIdle:  cfg.Worker.ScaleDownIdle,
		Cooldown:       cfg.Worker.Cooldown,
	}, appLogger)
	go scaler.Run(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(pool, appLogger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("health server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("health server failed", "error", err)
		}
	}()

	appLogger.Info("worker started")
	<-ctx.Done()
	appLogger.Info("shutdown signal received, draining")

	// Stop fetching and let in-flight handlers finish before tearing down
	// the health surface. Deliveries still queued go back to the broker via
	// lease expiry.
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("health server shutdown failed", "error", err)
	}

	appLogger.Info("worker stopped")
	return nil
}

// openDatabase opens and verifies the result-store connection.
func openDatabase(url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return db, nil
}

// runMigrations applies pending goose migrations from the given directory.
func runMigrations(db *sql.DB, dir string, appLogger *slog.Logger) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("migrations directory %q not found: %w", dir, err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	start := time.Now()
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	appLogger.Info("migrations applied", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// registerHandlers binds handler names to their implementations. The echo
// handler stays registered as a deployment smoke test: submit an echo task
// and read back the identical payload from the result store.
func registerHandlers(registry *task.Registry) {
	if err := registry.Register("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}); err != nil {
		log.Fatalf("failed to register echo handler: %v", err)
	}
}

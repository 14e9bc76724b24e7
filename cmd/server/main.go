package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/transfer-saga/internal/config"
	"github.com/nathanyu/transfer-saga/internal/cqrs"
	"github.com/nathanyu/transfer-saga/internal/eventstore"
	"github.com/nathanyu/transfer-saga/internal/handler"
	"github.com/nathanyu/transfer-saga/internal/middleware"
	"github.com/nathanyu/transfer-saga/internal/queue"
	"github.com/nathanyu/transfer-saga/internal/saga"
	"github.com/nathanyu/transfer-saga/internal/sagastore"
	"github.com/nathanyu/transfer-saga/internal/scheduler"
	"github.com/nathanyu/transfer-saga/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	serviceName    = "transfer-saga"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger := telemetry.InitLogger(serviceName, cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	cleanup, err := telemetry.InitTracer(telemetry.TracerConfig{
		ServiceName: serviceName,
		Version:     serviceVersion,
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
	})
	if err != nil {
		logger.Warn("failed to initialize tracer", "error", err)
	} else {
		defer cleanup()
	}

	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting transfer saga service",
		"store", cfg.StoreBackend,
		"scheduler", cfg.SchedulerBackend,
		"timeout", cfg.SagaTimeout,
		"timeout_policy", cfg.TimeoutPolicy,
	)

	// 1. Connect to NATS
	natsClient, err := queue.NewNATSClient(cfg.NATSUrl, serviceName, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close()
	logger.Info("connected to NATS", "url", cfg.NATSUrl)

	// 2. Redis, when a backend needs it
	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient, err = newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	// 3. Saga store
	repo, db, err := newRepository(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	// 4. Scheduler
	var sched saga.Scheduler
	var memSched *scheduler.MemoryScheduler
	var redisSched *scheduler.RedisScheduler
	switch cfg.SchedulerBackend {
	case config.BackendRedis:
		redisSched = scheduler.NewRedisScheduler(redisClient, cfg.PollInterval, logger)
		sched = redisSched
	default:
		memSched = scheduler.NewMemoryScheduler(logger)
		sched = memSched
	}

	// 5. Journal, read back only by the memory store
	var journal *eventstore.EventStore
	var opts []saga.Option
	opts = append(opts, saga.WithLogger(logger))
	if cfg.UsesJournal() {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
		journal, err = eventstore.NewEventStore(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		opts = append(opts, saga.WithJournal(journal))
	} else if cfg.JournalPath != "" {
		logger.Info("journal disabled, store is durable", "store", cfg.StoreBackend)
	}

	// 6. Saga manager and router
	machine := saga.NewMachine(cfg.SagaTimeout, cfg.TimeoutPolicy)
	publisher := queue.NewCommandPublisher(natsClient.GetConn(), cfg.CommandPrefix, logger)
	manager := saga.NewManager(machine, repo, publisher, sched, opts...)

	router := saga.NewRouter(manager.Handle, cfg.RouterWorkers, cfg.RouterBuffer, logger)
	router.Start()
	defer router.Stop()

	// Scheduled events are delivered through the router and retried until
	// handled.
	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	schedDone := make(chan struct{})
	if memSched != nil {
		memSched.Start(router.RouteAndWait)
		defer memSched.Stop()
		close(schedDone)
	}
	if redisSched != nil {
		go func() {
			defer close(schedDone)
			redisSched.Run(schedCtx, router.RouteAndWait)
		}()
	}

	// 7. In-memory sagas are rebuilt from the journal, which is then
	// compacted to what a later restart still needs
	if journal != nil {
		if err := restoreFromJournal(ctx, manager, journal, cfg.Stream.MaxAge, logger); err != nil {
			return err
		}
	}
	seedActiveSagas(ctx, repo, logger)

	// 8. Read model over the command stream of every replica
	readModel := cqrs.NewReadModel(natsClient.GetConn(), 0, logger)
	if err := readModel.Start(cfg.CommandPrefix + ".>"); err != nil {
		return err
	}
	defer readModel.Stop()

	// 9. Inbound events, acknowledged once handled
	consumer, err := queue.NewEventConsumer(natsClient.GetConn(), queue.ConsumerConfig{
		Stream:        cfg.Stream.Name,
		Durable:       cfg.Stream.Consumer,
		Prefix:        cfg.EventPrefix,
		AckWait:       cfg.Stream.AckWait,
		MaxDeliver:    cfg.Stream.MaxDeliver,
		MaxAge:        cfg.Stream.MaxAge,
		RedeliveryGap: cfg.Stream.RedeliveryGap,
	}, router.Route, logger)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	// 10. HTTP servers
	h := handler.NewHandler(manager, readModel)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Tracing())
	engine.Use(middleware.Metrics())
	handler.SetupRoutes(engine, h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics server listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
	}

	logger.Info("shutting down")

	// Stop taking events first, then let queued ones finish. Events not yet
	// acked are redelivered to another replica.
	consumer.Stop()
	cancelSched()
	<-schedDone
	router.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server forced to shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server forced to shutdown", "error", err)
	}

	logger.Info("service stopped")
	return runErr
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func newRepository(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (saga.Repository, *sql.DB, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		return sagastore.NewRedisRepository(redisClient, cfg.TombstoneTTL), nil, nil
	case config.BackendPostgres:
		db, err := sagastore.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		repo := sagastore.NewPostgresRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, db, nil
	default:
		return sagastore.NewMemoryRepository(), nil, nil
	}
}

func restoreFromJournal(ctx context.Context, manager *saga.Manager, journal *eventstore.EventStore, horizon time.Duration, logger *slog.Logger) error {
	records, err := journal.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load journal: %w", err)
	}
	if _, err := manager.Restore(ctx, records); err != nil {
		return err
	}

	retained, err := manager.Retain(ctx, records, time.Now().Add(-horizon))
	if err != nil {
		return err
	}
	if len(retained) == len(records) {
		return nil
	}
	if err := journal.Compact(retained); err != nil {
		return err
	}
	logger.Info("journal compacted", "before", len(records), "after", len(retained))
	return nil
}

// seedActiveSagas sets the live-saga gauge from the store, so it survives
// restarts and counts sagas started by other replicas
func seedActiveSagas(ctx context.Context, repo saga.Repository, logger *slog.Logger) {
	counter, ok := repo.(interface {
		CountLive(ctx context.Context) (int, error)
	})
	if !ok {
		return
	}
	n, err := counter.CountLive(ctx)
	if err != nil {
		logger.Warn("failed to count live sagas", "error", err)
		return
	}
	telemetry.ActiveSagas.Set(float64(n))
	logger.Info("live sagas", "count", n)
}

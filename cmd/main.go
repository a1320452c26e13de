/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, logging,
 * metrics, the event and snapshot stores, the message broker, the application
 * service, the transfer saga, the snapshot scheduler and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Snapshot cache and command rate limiting.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/aggregate"
	"github.com/transfa/ledger-service/internal/api"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/logger"
	"github.com/transfa/ledger-service/pkg/metrics"
	rmrabbit "github.com/transfa/ledger-service/pkg/rabbitmq"
)

type eventBackend interface {
	store.EventStore
	store.StreamCatalog
}

func main() {
	// A local .env is optional; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	bootLog := log.With("component", "bootstrap")

	if cfg.StoreBackend == config.StoreBackendPostgres && cfg.InternalJWTSecret == "" {
		bootLog.Fatal("internal jwt secret must be configured", "env", "INTERNAL_JWT_SECRET")
	}
	bootLog.Info("starting ledger-service", "port", cfg.ServerPort, "store_backend", cfg.StoreBackend)

	m := metrics.NewCollector()
	ctx := context.Background()

	var (
		events      eventBackend
		snapshots   store.SnapshotStore
		projections store.ProjectionRepository
	)
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		bootLog.Warn("using in-memory stores; the ledger will not survive a restart")
		events = store.NewMemoryEventStore()
		snapshots = store.NewMemorySnapshotStore()
		projections = store.NewMemoryProjectionRepository()
	default:
		// Establish a connection pool to the PostgreSQL database.
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			bootLog.Fatal("database url parse failed", "err", err)
		}
		poolConfig.MaxConns = 100
		poolConfig.MinConns = 20
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts behind poolers.
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			bootLog.Fatal("database connection failed", "err", err)
		}
		defer dbpool.Close()
		if err := store.Migrate(ctx, dbpool); err != nil {
			bootLog.Fatal("database migration failed", "err", err)
		}
		bootLog.Info("database connected")

		events = store.NewPostgresEventStore(dbpool)
		snapshots = store.NewPostgresSnapshotStore(dbpool)
		projections = store.NewPostgresProjectionRepository(dbpool)
	}

	var limiter *app.CommandLimiter
	if cfg.RedisURL != "" {
		redisClient, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			bootLog.Warn("redis unavailable; snapshot cache and rate limiting disabled", "err", err)
		} else {
			defer redisClient.Close()
			bootLog.Info("redis connected")

			cache := store.NewRedisSnapshotStore(redisClient, cfg.RedisSnapshotPrefix, time.Duration(cfg.RedisSnapshotTTLMinutes)*time.Minute)
			snapshots = store.NewCachedSnapshotStore(cache, snapshots, log)
			limiter = app.NewCommandLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix), cfg.CommandRateLimitPerMinute)
		}
	}

	projector := app.NewProjector(projections, m, log)

	// Without a broker the projection runs in-process after every save.
	var publisher app.EventPublisher = app.NewProjectingPublisher(projector)
	if cfg.RabbitMQURL != "" {
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, log)
		if err != nil {
			bootLog.Warn("rabbitmq producer unavailable; projecting in-process", "err", err)
		} else {
			consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, log)
			if err != nil {
				producer.Close()
				bootLog.Warn("rabbitmq consumer unavailable; projecting in-process", "err", err)
			} else {
				bindings := map[string]rmrabbit.Handler{
					"ledger.balance.#":  projector.HandleMessage,
					"ledger.transfer.#": projector.HandleMessage,
				}
				if err := consumer.ConsumeWithBindings(cfg.LedgerEventExchange, cfg.ProjectionQueue, bindings); err != nil {
					bootLog.Fatal("projection consumer start failed", "err", err)
				}
				defer consumer.Close()
				defer producer.Close()
				publisher = app.NewRabbitEventPublisher(producer, cfg.LedgerEventExchange, log)
				bootLog.Info("rabbitmq connected", "exchange", cfg.LedgerEventExchange, "queue", cfg.ProjectionQueue)
			}
		}
	}

	policy := aggregate.Policy{
		Threshold:           cfg.ThresholdCount,
		CountDebits:         cfg.ThresholdCountDebits,
		DefaultAccountLimit: cfg.DefaultAccountLimit,
		HashVerification:    aggregate.HashStructural,
	}
	if cfg.HashVerificationMode == config.HashModeStrict {
		policy.HashVerification = aggregate.HashStrict
	}

	repo := app.NewAggregateRepository(events, snapshots, publisher, m, log)
	ledgerService := app.NewService(repo, projections, policy, m, log)
	saga := app.NewTransferSaga(ledgerService, cfg.SagaMaxRetries, m, log)

	snapshotter := app.NewSnapshotter(events, ledgerService, cfg.SnapshotSchedule, cfg.SnapshotEveryEvents, cfg.SnapshotWorkers, log)
	if err := snapshotter.Start(); err != nil {
		bootLog.Fatal("snapshot scheduler start failed", "err", err)
	}

	router := api.LedgerRoutes(api.NewLedgerHandlers(ledgerService, saga, log), api.RouterConfig{
		JWTSecret: cfg.InternalJWTSecret,
		JWTIssuer: cfg.InternalJWTIssuer,
		Limiter:   limiter,
		Metrics:   m,
		Log:       log,
	})
	if cfg.InternalJWTSecret == "" {
		bootLog.Warn("internal jwt secret not set; /ledger is unauthenticated")
	}

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", "component", "http", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server stopped unexpectedly", "component", "http", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown started", "component", "http")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "component", "http", "err", err)
	}
	select {
	case <-snapshotter.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("snapshot run still in flight at shutdown", "component", "snapshotter")
	}

	log.Info("shutdown complete", "component", "http")
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/kwikr/billing-core/internal/api/handler"
	"github.com/kwikr/billing-core/internal/api/router"
	"github.com/kwikr/billing-core/internal/config"
	"github.com/kwikr/billing-core/internal/dispute"
	"github.com/kwikr/billing-core/internal/escrow"
	"github.com/kwikr/billing-core/internal/feetax"
	"github.com/kwikr/billing-core/internal/ledger"
	"github.com/kwikr/billing-core/internal/notify"
	"github.com/kwikr/billing-core/internal/processor"
	"github.com/kwikr/billing-core/internal/subscription"
	"github.com/kwikr/billing-core/internal/webhook"
	"github.com/kwikr/billing-core/shared/logger"
	"github.com/kwikr/billing-core/shared/postgresql"
	"github.com/kwikr/billing-core/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Two bindings on the broker: webhook envelopes for the worker, and
	// outbound user notifications.
	eventsClient, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Events, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize events queue: %w", err)
	}

	notificationsClient, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Notifications, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize notifications queue: %w", err)
	}

	appLogger.Info("RabbitMQ connections established")

	// Initialize services
	deps, err := buildDependencies(cfg, dbClient, eventsClient, notificationsClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, deps)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if eventsClient != nil {
			eventsClient.Close()
		}
		if notificationsClient != nil {
			notificationsClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// buildDependencies wires the domain services into handler dependencies.
func buildDependencies(
	cfg *config.Config,
	dbClient *postgresql.Client,
	eventsClient *rabbitmq.Client,
	notificationsClient *rabbitmq.Client,
	log *slog.Logger,
) (*handler.Dependencies, error) {
	db := dbClient.DB()

	stripeClient, err := processor.NewStripeClient(&processor.Config{
		SecretKey:   cfg.Payments.StripeSecretKey,
		CallTimeout: cfg.Payments.ProcessorTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize payment processor: %w", err)
	}

	notifier := notify.NewAMQPNotifier(notificationsClient, log)
	schedule := feetax.FeeSchedule{
		Percentage: cfg.Payments.FeePercentage,
		Minimum:    cfg.Payments.FeeMinimum,
		Maximum:    cfg.Payments.FeeMaximum,
	}

	jobs := escrow.NewJobStore(db)
	txns := ledger.New(db, log)
	escrowService := escrow.NewService(db, jobs, txns, stripeClient, notifier, schedule, log)
	disputeService := dispute.NewService(db, dispute.NewStore(db), jobs, notifier, log)
	subscriptionService := subscription.NewService(db, subscription.NewStore(db), notifier,
		cfg.Payments.FreePlanID, cfg.Worker.SweepBatchSize, log)

	dedup, err := initDedup(cfg, log)
	if err != nil {
		return nil, err
	}
	ingestor := webhook.NewIngestor(cfg.Webhook.SigningSecret, dedup, eventsClient, log)

	return &handler.Dependencies{
		Logger:        log,
		DB:            dbClient,
		Escrow:        escrowService,
		Disputes:      disputeService,
		Subscriptions: subscriptionService,
		Ingestor:      ingestor,
	}, nil
}

// initDedup picks Redis when configured; otherwise a per-process LRU cache.
func initDedup(cfg *config.Config, log *slog.Logger) (webhook.DedupStore, error) {
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		log.Info("Webhook dedup backed by Redis",
			slog.String("addr", cfg.Redis.Addr()),
		)
		return webhook.NewRedisDedup(rdb, cfg.Webhook.DedupTTL), nil
	}

	log.Info("Webhook dedup backed by in-process LRU cache",
		slog.Int("size", cfg.Webhook.DedupSize),
	)
	dedup, err := webhook.NewLRUDedup(cfg.Webhook.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dedup cache: %w", err)
	}
	return dedup, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes a RabbitMQ client for one binding
func initRabbitMQ(cfg *config.RabbitMQConfig, binding config.QueueBinding, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		Exchange:           binding.Exchange,
		Queue:              binding.Queue,
		RoutingKey:         binding.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}

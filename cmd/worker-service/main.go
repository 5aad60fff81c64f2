package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/kwikr/billing-core/internal/config"
	"github.com/kwikr/billing-core/internal/dispute"
	"github.com/kwikr/billing-core/internal/escrow"
	"github.com/kwikr/billing-core/internal/feetax"
	"github.com/kwikr/billing-core/internal/ledger"
	"github.com/kwikr/billing-core/internal/notify"
	"github.com/kwikr/billing-core/internal/processor"
	"github.com/kwikr/billing-core/internal/subscription"
	"github.com/kwikr/billing-core/internal/worker"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
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

	// Worker consumes webhook envelopes and publishes user notifications.
	eventsClient, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Events, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize events queue: %w", err)
	}

	notificationsClient, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Notifications, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize notifications queue: %w", err)
	}

	appLogger.Info("RabbitMQ connections established")

	// Wire domain services
	db := dbClient.DB()
	notifier := notify.NewAMQPNotifier(notificationsClient, appLogger.Logger)
	schedule := feetax.FeeSchedule{
		Percentage: cfg.Payments.FeePercentage,
		Minimum:    cfg.Payments.FeeMinimum,
		Maximum:    cfg.Payments.FeeMaximum,
	}

	stripeClient, err := processor.NewStripeClient(&processor.Config{
		SecretKey:   cfg.Payments.StripeSecretKey,
		CallTimeout: cfg.Payments.ProcessorTimeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize payment processor: %w", err)
	}

	jobs := escrow.NewJobStore(db)
	txns := ledger.New(db, appLogger.Logger)
	escrowService := escrow.NewService(db, jobs, txns, stripeClient, notifier, schedule, appLogger.Logger)
	disputeService := dispute.NewService(db, dispute.NewStore(db), jobs, notifier, appLogger.Logger)
	subscriptionService := subscription.NewService(db, subscription.NewStore(db), notifier,
		cfg.Payments.FreePlanID, cfg.Worker.SweepBatchSize, appLogger.Logger)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		RabbitClient:  eventsClient,
		Escrow:        escrowService,
		Disputes:      disputeService,
		Subscriptions: subscriptionService,
		Concurrency:   cfg.Worker.Concurrency,
		EventTimeout:  cfg.Worker.EventTimeout,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Periodic sweep for subscription period rollovers
	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.Worker.SweepSchedule, func() {
		rolled, sweepErr := subscriptionService.RolloverDuePeriods(ctx)
		if sweepErr != nil {
			appLogger.Error("Subscription rollover sweep failed",
				slog.Any("error", sweepErr),
			)
			return
		}
		if rolled > 0 {
			appLogger.Info("Subscription rollover sweep completed",
				slog.Int("rolled_over", rolled),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Worker.SweepSchedule, err)
	}
	sweeper.Start()

	appLogger.Info("Rollover sweep scheduled",
		slog.String("schedule", cfg.Worker.SweepSchedule),
	)

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Stop the sweeper first so no new rollovers start mid-shutdown
	sweepCtx := sweeper.Stop()
	<-sweepCtx.Done()

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
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
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
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

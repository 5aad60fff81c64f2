package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Payments PaymentsConfig `yaml:"payments"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host          string           `yaml:"host"`
	Port          int              `yaml:"port"`
	User          string           `yaml:"user"`
	Password      string           `yaml:"password"`
	VHost         string           `yaml:"vhost"`
	Events        QueueBinding     `yaml:"events"`
	Notifications QueueBinding     `yaml:"notifications"`
	Connection    ConnectionConfig `yaml:"connection"`
	Publish       PublishConfig    `yaml:"publish"`
	Consumer      ConsumerConfig   `yaml:"consumer"`
}

// QueueBinding names one exchange/queue/routing-key triple.
type QueueBinding struct {
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds the optional Redis connection for webhook
// deduplication. When Host is empty the api-service falls back to the
// in-process dedup cache.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Enabled reports whether a Redis host is configured.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	EventTimeout    time.Duration `yaml:"event_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SweepSchedule   string        `yaml:"sweep_schedule"`
	SweepBatchSize  int           `yaml:"sweep_batch_size"`
}

// PaymentsConfig holds the fee schedule, the processor credentials, and
// the baseline plan immediate cancellations fall back to.
type PaymentsConfig struct {
	FeePercentage    float64       `yaml:"fee_percentage"`
	FeeMinimum       float64       `yaml:"fee_minimum"`
	FeeMaximum       float64       `yaml:"fee_maximum"`
	FreePlanID       string        `yaml:"free_plan_id"`
	StripeSecretKey  string        `yaml:"stripe_secret_key"`
	ProcessorTimeout time.Duration `yaml:"processor_timeout"`
}

// WebhookConfig holds webhook verification and deduplication settings.
type WebhookConfig struct {
	SigningSecret string        `yaml:"signing_secret"`
	DedupTTL      time.Duration `yaml:"dedup_ttl"`
	DedupSize     int           `yaml:"dedup_size"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	return &config, nil
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		c.Payments.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		c.Webhook.SigningSecret = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
}

// Validate checks the configuration shared by both services
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Events.Exchange == "" {
		return fmt.Errorf("rabbitmq events exchange is required")
	}

	if c.RabbitMQ.Events.Queue == "" {
		return fmt.Errorf("rabbitmq events queue is required")
	}

	if c.Payments.FeePercentage <= 0 || c.Payments.FeePercentage >= 1 {
		return fmt.Errorf("fee percentage must be between 0 and 1, got %v", c.Payments.FeePercentage)
	}

	if c.Payments.FeeMinimum < 0 || c.Payments.FeeMaximum < c.Payments.FeeMinimum {
		return fmt.Errorf("invalid fee bounds: min %v, max %v", c.Payments.FeeMinimum, c.Payments.FeeMaximum)
	}

	if c.Payments.FreePlanID == "" {
		return fmt.Errorf("free plan id is required")
	}

	return nil
}

// ValidateAPI checks the api-service specific configuration
func (c *Config) ValidateAPI() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Payments.StripeSecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}

	if c.Webhook.SigningSecret == "" {
		return fmt.Errorf("webhook signing secret is required")
	}

	return nil
}

// ValidateWorker checks the worker-service specific configuration
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.EventTimeout <= 0 {
		return fmt.Errorf("worker event_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.SweepSchedule == "" {
		return fmt.Errorf("worker sweep_schedule is required")
	}

	if c.Payments.StripeSecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}

	return nil
}

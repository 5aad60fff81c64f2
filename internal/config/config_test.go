package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "billing_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Events: QueueBinding{
				Exchange:   "payment_events",
				Queue:      "payment_events_queue",
				RoutingKey: "payments.events",
			},
		},
		Worker: WorkerConfig{
			Concurrency:     5,
			EventTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			SweepSchedule:   "0 * * * *",
		},
		Payments: PaymentsConfig{
			FeePercentage:   0.05,
			FeeMinimum:      2.00,
			FeeMaximum:      50.00,
			FreePlanID:      "plan-free",
			StripeSecretKey: "sk_test_xxx",
		},
		Webhook: WebhookConfig{
			SigningSecret: "whsec_xxx",
		},
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "billing_db", cfg.Database.Database)
				assert.Equal(t, "payment_events", cfg.RabbitMQ.Events.Exchange)
				assert.Equal(t, "notifications", cfg.RabbitMQ.Notifications.Exchange)
				assert.Equal(t, 0.05, cfg.Payments.FeePercentage)
				assert.Equal(t, "plan-free", cfg.Payments.FreePlanID)
				assert.Equal(t, 24*time.Hour, cfg.Webhook.DedupTTL)
				assert.Equal(t, "0 * * * *", cfg.Worker.SweepSchedule)
				assert.True(t, cfg.Redis.Enabled())
				assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
			}
		})
	}
}

func TestValidateAPI(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errString string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:      "server port too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "missing database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "missing events exchange",
			mutate:    func(c *Config) { c.RabbitMQ.Events.Exchange = "" },
			errString: "events exchange is required",
		},
		{
			name:      "fee percentage out of range",
			mutate:    func(c *Config) { c.Payments.FeePercentage = 1.5 },
			errString: "fee percentage",
		},
		{
			name:      "fee bounds inverted",
			mutate:    func(c *Config) { c.Payments.FeeMinimum = 60; c.Payments.FeeMaximum = 50 },
			errString: "invalid fee bounds",
		},
		{
			name:      "missing free plan",
			mutate:    func(c *Config) { c.Payments.FreePlanID = "" },
			errString: "free plan id is required",
		},
		{
			name:      "missing stripe key",
			mutate:    func(c *Config) { c.Payments.StripeSecretKey = "" },
			errString: "stripe secret key is required",
		},
		{
			name:      "missing webhook secret",
			mutate:    func(c *Config) { c.Webhook.SigningSecret = "" },
			errString: "webhook signing secret is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPI()
			if tt.errString == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			}
		})
	}
}

func TestValidateWorker(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errString string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "concurrency must be greater than 0",
		},
		{
			name:      "zero event timeout",
			mutate:    func(c *Config) { c.Worker.EventTimeout = 0 },
			errString: "event_timeout must be greater than 0",
		},
		{
			name:      "missing sweep schedule",
			mutate:    func(c *Config) { c.Worker.SweepSchedule = "" },
			errString: "sweep_schedule is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorker()
			if tt.errString == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			}
		})
	}
}

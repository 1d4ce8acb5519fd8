package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type R2 struct {
	AccountID  string `envconfig:"R2_ACCOUNT_ID"`
	AccessKey  string `envconfig:"R2_ACCESS_KEY"`
	SecretKey  string `envconfig:"R2_SECRET_KEY"`
	BucketName string `envconfig:"R2_BUCKET_NAME"`
	Region     string `envconfig:"R2_REGION" default:"auto"`
}

type Google struct {
	ClientID     string `envconfig:"GOOGLE_CLIENT_ID"`
	ClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET"`
}

type Scheduler struct {
	// Backend selects the delay primitive: asynq, poll or timer.
	Backend       string        `envconfig:"SCHEDULER_BACKEND" default:"asynq"`
	Queue         string        `envconfig:"SCHEDULER_QUEUE" default:"publish"`
	Concurrency   int           `envconfig:"SCHEDULER_CONCURRENCY" default:"10"`
	PollInterval  time.Duration `envconfig:"SCHEDULER_POLL_INTERVAL" default:"1s"`
	PollBatch     int           `envconfig:"SCHEDULER_POLL_BATCH" default:"50"`
	MaxAttempts   int           `envconfig:"PUBLISH_MAX_ATTEMPTS" default:"3"`
	BackoffBase   time.Duration `envconfig:"PUBLISH_BACKOFF_BASE" default:"30s"`
	BackoffMax    time.Duration `envconfig:"PUBLISH_BACKOFF_MAX" default:"15m"`
	Timeout       time.Duration `envconfig:"PUBLISH_TIMEOUT" default:"60s"`
	StaleLease    time.Duration `envconfig:"PUBLISH_STALE_LEASE" default:"10m"`
	PlatformRPS   float64       `envconfig:"PUBLISH_PLATFORM_RPS" default:"5"`
	PlatformBurst int           `envconfig:"PUBLISH_PLATFORM_BURST" default:"10"`
}

type Cron struct {
	AnalyticsRefresh string        `envconfig:"CRON_ANALYTICS_REFRESH" default:"0 */6 * * *"`
	TokenRefresh     string        `envconfig:"CRON_TOKEN_REFRESH" default:"@every 10m"`
	ReapStale        string        `envconfig:"CRON_REAP_STALE" default:"@every 1m"`
	LockTTL          time.Duration `envconfig:"CRON_LOCK_TTL" default:"30m"`
}

type Config struct {
	AppEnv   string `envconfig:"APP_ENV" default:"dev"`
	LogLevel string `envconfig:"LOG_LEVEL" default:""`

	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	PostgresURI    string `envconfig:"POSTGRES_URI"`
	RedisURI       string `envconfig:"REDIS_URI" default:"localhost:6379"`

	AMQPURI   string `envconfig:"AMQP_URI"`
	AMQPQueue string `envconfig:"AMQP_NOTIFY_QUEUE" default:"post_notifications"`

	OpsAddr string `envconfig:"OPS_ADDR" default:":3000"`

	// SecretKey seals platform credentials at rest; must be 16, 24 or 32 bytes.
	SecretKey string `envconfig:"SECRET_KEY"`

	R2        R2
	Google    Google
	Scheduler Scheduler
	Cron      Cron
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Scheduler.Backend {
	case "asynq", "poll", "timer":
	default:
		return fmt.Errorf("unknown scheduler backend %q", c.Scheduler.Backend)
	}
	switch c.DatabaseDriver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("unknown database driver %q", c.DatabaseDriver)
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("PUBLISH_MAX_ATTEMPTS must be positive")
	}
	// a live attempt must never outlast its lease or the reaper requeues it mid-publish
	if c.Scheduler.StaleLease <= c.Scheduler.Timeout {
		return fmt.Errorf("PUBLISH_STALE_LEASE (%s) must exceed PUBLISH_TIMEOUT (%s)", c.Scheduler.StaleLease, c.Scheduler.Timeout)
	}
	if n := len(c.SecretKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("SECRET_KEY must be 16, 24 or 32 bytes, got %d", n)
	}
	return nil
}

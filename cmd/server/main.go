package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/api/handlers"
	"github.com/maheshrc27/postflow/internal/clock"
	"github.com/maheshrc27/postflow/internal/credentials"
	job "github.com/maheshrc27/postflow/internal/jobs"
	"github.com/maheshrc27/postflow/internal/logger"
	"github.com/maheshrc27/postflow/internal/media"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/notify"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx := context.Background()
	clk := clock.Real{}

	db, repos, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer closeDB(db, log)
	}

	sealer, err := credentials.NewSealer([]byte(cfg.SecretKey))
	if err != nil {
		return fmt.Errorf("credential sealer: %w", err)
	}

	var store media.Store
	if cfg.R2.AccountID != "" {
		s3Store, err := media.NewS3Store(ctx, media.S3Config{
			AccountID: cfg.R2.AccountID,
			AccessKey: cfg.R2.AccessKey,
			SecretKey: cfg.R2.SecretKey,
			Bucket:    cfg.R2.BucketName,
			Region:    cfg.R2.Region,
		})
		if err != nil {
			return fmt.Errorf("media store: %w", err)
		}
		store = s3Store
	}

	registry := publisher.NewRegistry(cfg.Scheduler.PlatformRPS, cfg.Scheduler.PlatformBurst)
	refreshers := map[string]job.Refresher{}
	if cfg.Google.ClientID != "" && store != nil {
		oauth := publisher.NewYouTubeOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret)
		registry.Register("youtube", publisher.DefaultCapabilities["youtube"], publisher.NewYouTube(oauth, store))
		refreshers["youtube"] = job.OAuthRefresher{Config: oauth}
	}
	publisher.RegisterSimulated(registry, 0)
	log.Info().Strs("platforms", registry.Platforms()).Msg("publishers registered")

	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if cfg.AMQPURI != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.AMQPURI, cfg.AMQPQueue)
		if err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
	}

	dispatcher := newDispatcher(cfg, repos, clk, log)

	aggregator := service.NewAggregator(repos.Posts, repos.Audit, notifier, clk, log)
	policy := service.JobPolicy{
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		Backoff:     models.Backoff{Base: cfg.Scheduler.BackoffBase, Max: cfg.Scheduler.BackoffMax},
	}
	scheduler := service.NewScheduler(repos, dispatcher, aggregator, registry, clk, policy, log)
	executor := service.NewExecutor(service.ExecutorDeps{
		Repos:      repos,
		Registry:   registry,
		Media:      store,
		Sealer:     sealer,
		Dispatcher: dispatcher,
		Aggregator: aggregator,
		Clock:      clk,
		Timeout:    cfg.Scheduler.Timeout,
	}, log)

	if err := dispatcher.Start(ctx, executor.HandleJob); err != nil {
		return err
	}
	defer dispatcher.Shutdown()

	if cfg.Scheduler.Backend == "timer" {
		if _, err := queue.Recover(ctx, dispatcher, repos.Jobs, log); err != nil {
			return err
		}
	}

	recurring, err := newRecurring(cfg, repos, dispatcher, sealer, refreshers, clk, log)
	if err != nil {
		return err
	}
	recurring.Start()
	defer recurring.Stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(promRegistry)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Error().Err(err).Str("path", c.Path()).Msg("ops request failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		},
	})
	app.Use(recover.New())

	var pinger handlers.Pinger
	if db != nil {
		pinger = db
	}
	handlers.NewOpsHandler(repos.Jobs, scheduler, pinger, log).Register(app, promRegistry)

	go func() {
		if err := app.Listen(cfg.OpsAddr); err != nil {
			log.Error().Err(err).Msg("ops server stopped")
		}
	}()
	log.Info().Str("addr", cfg.OpsAddr).Str("backend", cfg.Scheduler.Backend).Msg("postflow running")

	gracefulShutdown(app, log)
	return nil
}

// openStore returns a nil db when the timer backend runs without Postgres.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*sql.DB, *repository.Repositories, error) {
	if cfg.PostgresURI == "" {
		if cfg.Scheduler.Backend != "timer" {
			return nil, nil, fmt.Errorf("POSTGRES_URI is required for the %s backend", cfg.Scheduler.Backend)
		}
		log.Warn().Msg("no POSTGRES_URI, using the in-memory store")
		return nil, repository.NewMemory(), nil
	}

	db, err := sql.Open(cfg.DatabaseDriver, cfg.PostgresURI)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database is unreachable: %w", err)
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, repository.NewPostgres(db), nil
}

func newDispatcher(cfg *config.Config, repos *repository.Repositories, clk clock.Clock, log zerolog.Logger) queue.Dispatcher {
	switch cfg.Scheduler.Backend {
	case "poll":
		return queue.NewPoller(repos.Jobs, clk, queue.PollerConfig{
			Interval:    cfg.Scheduler.PollInterval,
			Batch:       cfg.Scheduler.PollBatch,
			Concurrency: cfg.Scheduler.Concurrency,
		}, log)
	case "timer":
		return queue.NewTimerDispatcher(clk, cfg.Scheduler.Concurrency, log)
	default:
		return queue.NewAsynqDispatcher(queue.AsynqConfig{
			RedisAddr:   cfg.RedisURI,
			Queue:       cfg.Scheduler.Queue,
			Concurrency: cfg.Scheduler.Concurrency,
			MaxRetry:    5,
		}, log)
	}
}

func newRecurring(
	cfg *config.Config,
	repos *repository.Repositories,
	dispatcher queue.Dispatcher,
	sealer *credentials.Sealer,
	refreshers map[string]job.Refresher,
	clk clock.Clock,
	log zerolog.Logger) (*job.Recurring, error) {
	var locker job.Locker
	if cfg.Scheduler.Backend != "timer" {
		locker = job.NewRedisLocker(redis.NewClient(&redis.Options{Addr: cfg.RedisURI}))
	}
	recurring := job.NewRecurring(locker, cfg.Cron.LockTTL, log)

	analytics := job.NewAnalyticsJob(repos.Connections, repos.Analytics, nil, job.SimulatedAnalytics{}, clk, log)
	tokens := job.NewTokenRefreshJob(repos.Connections, refreshers, sealer, clk, log)
	reaper := job.NewStaleJobReaper(repos.Jobs, dispatcher, clk, cfg.Scheduler.StaleLease, log)

	tasks := []struct {
		key     string
		cadence string
		action  job.Action
	}{
		{"analytics:refresh", cfg.Cron.AnalyticsRefresh, analytics.Refresh},
		{"connections:refresh-tokens", cfg.Cron.TokenRefresh, tokens.RefreshTokens},
		{"jobs:reap-stale", cfg.Cron.ReapStale, reaper.Reap},
	}
	for _, t := range tasks {
		if err := recurring.ScheduleRecurring(t.key, t.cadence, t.action); err != nil {
			return nil, err
		}
	}
	return recurring, nil
}

func closeDB(db *sql.DB, log zerolog.Logger) {
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("close database")
		return
	}
	log.Info().Msg("database connection closed")
}

func gracefulShutdown(app *fiber.App, log zerolog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("shutting down")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("shut down ops server")
	}
}

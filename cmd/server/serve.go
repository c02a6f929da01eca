package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aegisshield/guarddog/internal/catalog"
	"github.com/aegisshield/guarddog/internal/compliance"
	"github.com/aegisshield/guarddog/internal/config"
	"github.com/aegisshield/guarddog/internal/database"
	"github.com/aegisshield/guarddog/internal/escalation"
	"github.com/aegisshield/guarddog/internal/handlers"
	"github.com/aegisshield/guarddog/internal/kafka"
	"github.com/aegisshield/guarddog/internal/metrics"
	"github.com/aegisshield/guarddog/internal/notification"
	"github.com/aegisshield/guarddog/internal/realtime"
	"github.com/aegisshield/guarddog/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, notification workers and scheduled tasks",
	RunE:  runServe,
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

func openStore(cfg *config.Config, logger *zap.Logger) (database.Store, error) {
	if cfg.Database.Driver != "postgres" {
		logger.Warn("Using in-memory store, records are lost on restart")
		return database.NewMemoryStore(), nil
	}
	store, err := database.NewPostgresStore(cfg.Database, logger.Named("database"))
	if err != nil {
		return nil, err
	}
	if err := store.AutoMigrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func notificationChannels(cfg *config.Config, hub *realtime.Hub, producer *kafka.Producer, logger *zap.Logger) []notification.Named {
	channels := []notification.Named{notification.NewLogNotifier(logger.Named("notify")), hub}
	n := cfg.Notifications
	if !n.Enabled {
		return channels
	}
	if n.WebhookURL != "" {
		channels = append(channels, notification.NewWebhookNotifier(n.WebhookURL, n.WebhookHeaders, n.Timeout, logger.Named("webhook")))
	}
	if n.SlackWebhookURL != "" {
		channels = append(channels, notification.NewSlackNotifier(n.SlackWebhookURL, n.SlackChannel, n.Timeout))
	}
	if producer != nil {
		channels = append(channels, producer)
	}
	return channels
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting GuardDog",
		zap.String("version", version),
		zap.String("database", cfg.Database.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		if rdb, err = openRedis(ctx, cfg.Redis); err != nil {
			return err
		}
		defer rdb.Close()
	}

	collector := metrics.NewCollector()

	hubOpts := []realtime.Option{realtime.WithRecorder(collector)}
	if rdb != nil {
		hubOpts = append(hubOpts, realtime.WithSnapshotCache(realtime.NewSnapshotCache(rdb, cfg.Dashboard.SnapshotTTL)))
	}
	hub := realtime.NewHub(logger.Named("realtime"), hubOpts...)

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, logger.Named("kafka"))
		defer producer.Close()
	}

	dispatcher := notification.NewDispatcher(notification.DispatcherConfig{
		QueueSize:       cfg.Notifications.QueueSize,
		Workers:         cfg.Notifications.Workers,
		Timeout:         cfg.Notifications.Timeout,
		MaxRetries:      cfg.Notifications.MaxRetries,
		RetryDelay:      cfg.Notifications.RetryDelay,
		RateLimitPerMin: cfg.Notifications.RateLimitPerMin,
	}, logger.Named("dispatcher"), notificationChannels(cfg, hub, producer, logger)...)
	dispatcher.SetRecorder(collector)

	escOpts := []escalation.Option{escalation.WithRecorder(collector)}
	if window := cfg.Escalation.DedupWindow; window > 0 {
		var suppressor escalation.Suppressor = escalation.NewMemorySuppressor(window)
		if cfg.Escalation.DedupBackend == "redis" && rdb != nil {
			suppressor = escalation.NewRedisSuppressor(rdb, window)
		}
		escOpts = append(escOpts, escalation.WithSuppressor(suppressor))
	}
	escalator := escalation.NewEngine(store, dispatcher, logger.Named("escalation"), escOpts...)

	watcher, err := catalog.NewWatcher(cfg.Catalog.RulesFile, logger.Named("catalog"))
	if err != nil {
		return fmt.Errorf("failed to load rule catalog: %w", err)
	}

	engine := compliance.New(store, watcher, escalator, cfg, logger.Named("compliance"),
		compliance.WithMetrics(collector))
	seeded, err := engine.SeedRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed rules: %w", err)
	}
	logger.Info("Rules ready", zap.Int("seeded", seeded), zap.Int64("catalog_version", engine.CatalogVersion()))

	tasks := scheduler.New(logger.Named("scheduler"), scheduler.WithRecorder(collector))
	if err := tasks.AddTask(scheduler.SweepTask(cfg.Tracker.SweepSchedule, engine.Tracker(), logger.Named("sweep"))); err != nil {
		return err
	}
	if err := tasks.AddTask(scheduler.SnapshotTask(cfg.Dashboard.SnapshotSchedule, engine, hub, collector)); err != nil {
		return err
	}

	router := handlers.NewRouter(cfg, handlers.NewHandler(engine, hub, tasks, logger.Named("http")), collector, logger.Named("http"))
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	dispatcher.Start(gctx)
	tasks.Start()

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.Catalog.Watch {
		g.Go(func() error { return watcher.Start(gctx) })
	}

	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, engine.Tracker(), logger.Named("kafka"))
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down GuardDog")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server forced to shutdown", zap.Error(err))
		}
		tasks.Stop()
		dispatcher.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("GuardDog stopped with error", zap.Error(err))
		return err
	}
	logger.Info("GuardDog stopped")
	return nil
}

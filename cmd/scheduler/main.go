package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/cleanup"
	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/metrics"
	"github.com/leozw/query-guardian/internal/monitor"
	"github.com/leozw/query-guardian/internal/notify"
	"github.com/leozw/query-guardian/internal/routing"
	"github.com/leozw/query-guardian/internal/scheduler"
	"github.com/leozw/query-guardian/internal/source"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Setup logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Database schema + connection
	if err := db.Migrate(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	database, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	repo := db.NewRepository(database)

	// Metrics collector
	collector := metrics.NewCollector(cfg.Metrics, logger)

	// Notification senders
	email := notify.NewEmailSender(cfg.Mail)
	channels := []notify.ChannelSender{
		notify.NewWebhookSender(cfg.Notify.HTTPTimeout),
		notify.NewTelegramSender(cfg.Notify.HTTPTimeout),
		notify.NewTeamsSender(cfg.Notify.HTTPTimeout),
	}
	dispatcher := notify.NewDispatcher(repo, email, channels, cfg.Notify, logger)

	// Run coordinator
	coordinator := monitor.NewCoordinator(
		repo,
		source.Factory(repo),
		routing.NewEngine(logger),
		dispatcher,
		cfg.Scheduler,
		cfg.Location(),
		logger,
	)

	cleaner := cleanup.NewService(repo, cfg.Retention, logger)
	sched := scheduler.NewScheduler(repo, coordinator, cleaner, collector, logger, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	// Metrics remote write
	go collector.StartRemoteWrite(ctx)

	// Cancel on interrupt; Start returns once the workers stop.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down scheduler...")
		cancel()
	}()

	sched.Start(ctx)
	logger.Info("Scheduler exited")
}

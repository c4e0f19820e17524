package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/api"
	"github.com/leozw/query-guardian/internal/api/handlers"
	"github.com/leozw/query-guardian/internal/cleanup"
	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/metrics"
	"github.com/leozw/query-guardian/internal/monitor"
	"github.com/leozw/query-guardian/internal/notify"
	"github.com/leozw/query-guardian/internal/routing"
	"github.com/leozw/query-guardian/internal/source"
	"github.com/leozw/query-guardian/internal/stats"
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

	// Metrics are exposed on /metrics here; only the scheduler binary
	// pushes to remote write.
	collector := metrics.NewCollector(cfg.Metrics, logger)

	// The run-now endpoint drives the same coordinator the scheduler
	// uses, so manual runs share the lock and ledger semantics.
	email := notify.NewEmailSender(cfg.Mail)
	channels := []notify.ChannelSender{
		notify.NewWebhookSender(cfg.Notify.HTTPTimeout),
		notify.NewTelegramSender(cfg.Notify.HTTPTimeout),
		notify.NewTeamsSender(cfg.Notify.HTTPTimeout),
	}
	dispatcher := notify.NewDispatcher(repo, email, channels, cfg.Notify, logger)

	coordinator := monitor.NewCoordinator(
		repo,
		source.Factory(repo),
		routing.NewEngine(logger),
		dispatcher,
		cfg.Scheduler,
		cfg.Location(),
		logger,
	)

	h := handlers.NewHandler(
		repo,
		coordinator,
		source.Factory(repo),
		stats.NewCalculator(repo, logger),
		cleanup.NewService(repo, cfg.Retention, logger),
		cfg,
		logger,
	)

	server := api.NewServer(cfg, h, collector, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router(),
	}

	// Graceful shutdown
	go func() {
		logger.Info("API server started", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

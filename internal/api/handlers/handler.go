package handlers

import (
	"time"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/cleanup"
	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/monitor"
	"github.com/leozw/query-guardian/internal/stats"
)

type Handler struct {
	repo    *db.Repository
	coord   *monitor.Coordinator
	sources monitor.SourceFactory
	stats   *stats.Calculator
	cleaner *cleanup.Service
	config  *config.Config
	loc     *time.Location
	logger  *zap.Logger
}

func NewHandler(repo *db.Repository, coord *monitor.Coordinator, sources monitor.SourceFactory, calc *stats.Calculator, cleaner *cleanup.Service, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		repo:    repo,
		coord:   coord,
		sources: sources,
		stats:   calc,
		cleaner: cleaner,
		config:  cfg,
		loc:     cfg.Location(),
		logger:  logger,
	}
}

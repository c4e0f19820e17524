package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/api/handlers"
	"github.com/leozw/query-guardian/internal/api/middleware"
	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/metrics"
)

type Server struct {
	router *gin.Engine
	config *config.Config
	logger *zap.Logger
}

func NewServer(cfg *config.Config, h *handlers.Handler, collector *metrics.Collector, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	// Probes and metrics, unauthenticated
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})))

	// API routes (protected)
	api := router.Group("/api/v1")
	api.Use(middleware.AuthRequired(cfg.Auth.JWTSecret))
	{
		api.GET("/queries", h.ListQueries)
		api.GET("/queries/:id", h.GetQuery)
		api.GET("/queries/:id/status", h.QueryStatus)
		api.POST("/queries/:id/run", h.RunQuery)
		api.POST("/queries/:id/test", h.TestQuery)
		api.GET("/queries/:id/fields", h.QueryFields)
		api.GET("/queries/:id/errors", h.QueryErrors)
		api.GET("/queries/:id/logs", h.QueryLogs)
		api.GET("/queries/:id/next-run", h.NextRun)
		api.POST("/errors/:id/resolve", h.ResolveError)
		api.GET("/connections", h.ListConnections)
		api.GET("/stats/:id", h.QueryStats)
		api.POST("/cleanup", h.RunCleanup)
		api.GET("/operators", h.Operators)
	}

	return &Server{
		router: router,
		config: cfg,
		logger: logger,
	}
}

// Router exposes the gin engine for serving and for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

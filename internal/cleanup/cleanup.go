// Package cleanup enforces retention on run history, notification logs
// and resolved errors. Active errors are never touched.
package cleanup

import (
	"time"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/config"
)

const (
	defaultQueryLogDays        = 30
	defaultNotificationLogDays = 90
	defaultResolvedErrorDays   = 60
)

// Store is the slice of the repository cleanup needs. *db.Repository
// satisfies it.
type Store interface {
	DeleteQueryLogsBefore(cutoff time.Time) (int64, error)
	DeleteNotificationLogsBefore(cutoff time.Time) (int64, error)
	DeleteResolvedErrorsBefore(cutoff time.Time) (int64, error)
}

// Result reports how many rows each category dropped.
type Result struct {
	QueryLogs        int64     `json:"query_logs_deleted"`
	NotificationLogs int64     `json:"notification_logs_deleted"`
	ResolvedErrors   int64     `json:"resolved_errors_deleted"`
	ExecutedAt       time.Time `json:"executed_at"`
}

func (r *Result) Total() int64 {
	return r.QueryLogs + r.NotificationLogs + r.ResolvedErrors
}

type Service struct {
	store  Store
	cfg    config.RetentionConfig
	logger *zap.Logger
}

func NewService(store Store, cfg config.RetentionConfig, logger *zap.Logger) *Service {
	if cfg.QueryLogDays <= 0 {
		cfg.QueryLogDays = defaultQueryLogDays
	}
	if cfg.NotificationLogDays <= 0 {
		cfg.NotificationLogDays = defaultNotificationLogDays
	}
	if cfg.ResolvedErrorDays <= 0 {
		cfg.ResolvedErrorDays = defaultResolvedErrorDays
	}
	return &Service{store: store, cfg: cfg, logger: logger}
}

func (s *Service) PurgeQueryLogs(now time.Time) int64 {
	return s.purge("query_logs", s.cfg.QueryLogDays, now, s.store.DeleteQueryLogsBefore)
}

func (s *Service) PurgeNotificationLogs(now time.Time) int64 {
	return s.purge("notification_logs", s.cfg.NotificationLogDays, now, s.store.DeleteNotificationLogsBefore)
}

func (s *Service) PurgeResolvedErrors(now time.Time) int64 {
	return s.purge("resolved_errors", s.cfg.ResolvedErrorDays, now, s.store.DeleteResolvedErrorsBefore)
}

// RunFull purges every category. A failing category logs and yields
// zero; the others still run.
func (s *Service) RunFull() *Result {
	now := time.Now().UTC()
	res := &Result{
		QueryLogs:        s.PurgeQueryLogs(now),
		NotificationLogs: s.PurgeNotificationLogs(now),
		ResolvedErrors:   s.PurgeResolvedErrors(now),
		ExecutedAt:       now,
	}

	if total := res.Total(); total > 0 {
		s.logger.Info("retention cleanup complete", zap.Int64("deleted", total))
	} else {
		s.logger.Debug("retention cleanup complete, nothing to delete")
	}
	return res
}

func (s *Service) purge(category string, days int, now time.Time, del func(time.Time) (int64, error)) int64 {
	cutoff := now.AddDate(0, 0, -days)
	deleted, err := del(cutoff)
	if err != nil {
		s.logger.Error("cleanup failed",
			zap.String("category", category),
			zap.Error(err),
		)
		return 0
	}
	if deleted > 0 {
		s.logger.Info("cleanup deleted old rows",
			zap.String("category", category),
			zap.Int64("deleted", deleted),
			zap.Int("retention_days", days),
		)
	}
	return deleted
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/cleanup"
	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/metrics"
	"github.com/leozw/query-guardian/internal/monitor"
	"github.com/leozw/query-guardian/internal/schedule"
)

const (
	defaultTickInterval = time.Minute
	jobQueueSize        = 1000
)

type CheckJob struct {
	Query *db.MonitoredQuery
}

type Scheduler struct {
	repo        *db.Repository
	coordinator *monitor.Coordinator
	cleaner     *cleanup.Service
	metrics     *metrics.Collector
	logger      *zap.Logger
	config      *config.Config
	loc         *time.Location
	workers     []*Worker
	wg          sync.WaitGroup

	// Day-of-year of the last retention sweep, -1 before the first.
	lastCleanupDay int
}

func NewScheduler(repo *db.Repository, coordinator *monitor.Coordinator, cleaner *cleanup.Service, collector *metrics.Collector, logger *zap.Logger, cfg *config.Config) *Scheduler {
	return &Scheduler{
		repo:           repo,
		coordinator:    coordinator,
		cleaner:        cleaner,
		metrics:        collector,
		logger:         logger,
		config:         cfg,
		loc:            cfg.Location(),
		lastCleanupDay: -1,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	workerCount := s.config.Scheduler.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}
	tick := s.config.Scheduler.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}

	s.logger.Info("Starting scheduler",
		zap.Int("worker_count", workerCount),
		zap.Duration("tick_interval", tick),
		zap.String("timezone", s.loc.String()),
	)

	// Start workers
	workQueue := make(chan *CheckJob, jobQueueSize)
	s.workers = make([]*Worker, workerCount)

	for i := 0; i < workerCount; i++ {
		worker := NewWorker(i, workQueue, s.coordinator, s.metrics, s.config.Scheduler.RunTimeout, s.logger)
		s.workers[i] = worker
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			w.Start(ctx)
		}(worker)
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			close(workQueue)
			s.wg.Wait()
			return
		case <-ticker.C:
			now := time.Now().In(s.loc)
			s.scheduleQueries(workQueue, now)
			s.maybeCleanup(now)
		}
	}
}

func (s *Scheduler) scheduleQueries(workQueue chan<- *CheckJob, now time.Time) {
	queries, err := s.repo.ListQueries()
	if err != nil {
		s.logger.Error("Failed to list queries", zap.Error(err))
		return
	}
	s.recordFleet(queries)

	for _, q := range queries {
		if !q.Enabled {
			continue
		}

		due, reason := schedule.ShouldRunNow(q, now)
		if !due {
			s.logger.Debug("Query not due",
				zap.String("query_id", q.ID),
				zap.String("reason", reason),
			)
			continue
		}

		job := &CheckJob{Query: q}
		select {
		case workQueue <- job:
			s.logger.Debug("Scheduled check",
				zap.String("query_id", q.ID),
				zap.String("query_name", q.Name),
			)
		default:
			s.logger.Warn("Work queue full, dropping check",
				zap.String("query_id", q.ID),
				zap.String("query_name", q.Name),
			)
		}
	}

	s.metrics.RecordQueueDepth("checks", len(workQueue))
}

func (s *Scheduler) recordFleet(queries []*db.MonitoredQuery) {
	enabled := 0
	bySource := make(map[string]int)
	for _, q := range queries {
		if q.Enabled {
			enabled++
		}
		bySource[string(q.SourceType)]++
	}
	s.metrics.RecordQueryStats(len(queries), enabled, bySource)
}

// maybeCleanup runs the retention sweep once per day during the
// configured hour, in the scheduler's timezone.
func (s *Scheduler) maybeCleanup(now time.Time) {
	if now.Hour() != s.config.Scheduler.CleanupHour || now.YearDay() == s.lastCleanupDay {
		return
	}
	s.lastCleanupDay = now.YearDay()

	res := s.cleaner.RunFull()
	s.metrics.RecordCleanup("query_logs", res.QueryLogs)
	s.metrics.RecordCleanup("notification_logs", res.NotificationLogs)
	s.metrics.RecordCleanup("resolved_errors", res.ResolvedErrors)
}

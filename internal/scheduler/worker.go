package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/metrics"
	"github.com/leozw/query-guardian/internal/monitor"
)

type Worker struct {
	id          int
	workQueue   <-chan *CheckJob
	coordinator *monitor.Coordinator
	metrics     *metrics.Collector
	runTimeout  time.Duration
	logger      *zap.Logger
}

func NewWorker(id int, workQueue <-chan *CheckJob, coordinator *monitor.Coordinator, collector *metrics.Collector, runTimeout time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		id:          id,
		workQueue:   workQueue,
		coordinator: coordinator,
		metrics:     collector,
		runTimeout:  runTimeout,
		logger:      logger.With(zap.Int("worker_id", id)),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return
		case job, ok := <-w.workQueue:
			if !ok {
				w.logger.Info("Work queue closed")
				return
			}
			w.processJob(ctx, job)
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *CheckJob) {
	start := time.Now()

	w.logger.Debug("Processing check",
		zap.String("query_id", job.Query.ID),
		zap.String("query_name", job.Query.Name),
	)

	runCtx := ctx
	if w.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.runTimeout)
		defer cancel()
	}

	result := w.coordinator.CheckQuery(runCtx, job.Query, false)
	w.metrics.RecordRun(result)

	w.logger.Debug("Check completed",
		zap.String("query_id", job.Query.ID),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", time.Since(start)),
	)
}

package scheduler

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/cleanup"
	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/metrics"
)

type countingStore struct {
	sweeps int
}

func (c *countingStore) DeleteQueryLogsBefore(time.Time) (int64, error) {
	c.sweeps++
	return 0, nil
}
func (c *countingStore) DeleteNotificationLogsBefore(time.Time) (int64, error) { return 0, nil }
func (c *countingStore) DeleteResolvedErrorsBefore(time.Time) (int64, error)  { return 0, nil }

func TestCleanupRunsOncePerDay(t *testing.T) {
	store := &countingStore{}
	cfg := &config.Config{}
	cfg.Scheduler.CleanupHour = 3
	cfg.Scheduler.Timezone = "UTC"

	s := NewScheduler(nil, nil,
		cleanup.NewService(store, cfg.Retention, zap.NewNop()),
		metrics.NewCollector(cfg.Metrics, zap.NewNop()),
		zap.NewNop(), cfg)

	day := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)

	s.maybeCleanup(day.Add(2*time.Hour + 59*time.Minute))
	if store.sweeps != 0 {
		t.Fatalf("cleanup ran before the configured hour")
	}

	s.maybeCleanup(day.Add(3 * time.Hour))
	s.maybeCleanup(day.Add(3*time.Hour + 30*time.Minute))
	if store.sweeps != 1 {
		t.Fatalf("sweeps = %d after first window, want 1", store.sweeps)
	}

	s.maybeCleanup(day.AddDate(0, 0, 1).Add(3*time.Hour + 5*time.Minute))
	if store.sweeps != 2 {
		t.Fatalf("sweeps = %d after next day, want 2", store.sweeps)
	}
}

package stats

import (
	"math"
	"testing"
	"time"

	"github.com/leozw/query-guardian/internal/db"
)

func logAt(t time.Time, status db.RunStatus, rows, ms int) *db.QueryLog {
	return &db.QueryLog{
		QueryID:         "q1",
		Status:          status,
		RowsReturned:    rows,
		ExecutionTimeMs: ms,
		ExecutedAt:      t,
	}
}

func TestAggregateCountsAndRates(t *testing.T) {
	base := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	logs := []*db.QueryLog{
		logAt(base, db.RunStatusSuccess, 10, 120),
		logAt(base.Add(5*time.Minute), db.RunStatusSuccess, 4, 80),
		logAt(base.Add(10*time.Minute), db.RunStatusError, 0, 400),
		logAt(base.Add(15*time.Minute), db.RunStatusSkipped, 0, 0),
	}
	logs[0].NewErrors = 3
	logs[0].NotificationsSent = 1
	logs[1].ResolvedErrors = 2
	logs[1].RemindersSent = 1

	r := Aggregate("q1", base, base.Add(time.Hour), logs)

	if r.TotalRuns != 4 || r.SuccessfulRuns != 2 || r.FailedRuns != 1 || r.SkippedRuns != 1 {
		t.Fatalf("counts = %d/%d/%d/%d", r.TotalRuns, r.SuccessfulRuns, r.FailedRuns, r.SkippedRuns)
	}
	if math.Abs(r.SuccessRate-66.666) > 0.01 {
		t.Errorf("SuccessRate = %f, want ~66.666", r.SuccessRate)
	}
	if r.AvgExecutionMs != 200 {
		t.Errorf("AvgExecutionMs = %d, want 200", r.AvgExecutionMs)
	}
	if r.MaxExecutionMs != 400 {
		t.Errorf("MaxExecutionMs = %d, want 400", r.MaxExecutionMs)
	}
	if math.Abs(r.AvgRowsReturned-14.0/3) > 0.001 {
		t.Errorf("AvgRowsReturned = %f", r.AvgRowsReturned)
	}
	if r.NewErrors != 3 || r.ResolvedErrors != 2 || r.RemindersSent != 1 || r.Notifications != 1 {
		t.Errorf("totals = %d/%d/%d/%d", r.NewErrors, r.ResolvedErrors, r.RemindersSent, r.Notifications)
	}
	if r.LastStatus != db.RunStatusSkipped || r.LastRunAt == nil || !r.LastRunAt.Equal(base.Add(15*time.Minute)) {
		t.Errorf("last run = %v %v", r.LastRunAt, r.LastStatus)
	}
}

func TestAggregateEmptyPeriod(t *testing.T) {
	from := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	r := Aggregate("q1", from, from.AddDate(0, 0, 7), nil)

	if r.TotalRuns != 0 || r.SuccessRate != 0 || r.LastRunAt != nil {
		t.Fatalf("empty period report = %+v", r)
	}
	if r.QueryID != "q1" || !r.PeriodStart.Equal(from) {
		t.Errorf("period metadata = %+v", r)
	}
}

func TestAggregateSkipsCarryNoTiming(t *testing.T) {
	base := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	logs := []*db.QueryLog{
		logAt(base, db.RunStatusSkipped, 0, 0),
		logAt(base.Add(time.Minute), db.RunStatusSuccess, 6, 90),
	}

	r := Aggregate("q1", base, base.Add(time.Hour), logs)

	if r.SuccessRate != 100 {
		t.Errorf("SuccessRate = %f, want 100 (skips excluded)", r.SuccessRate)
	}
	if r.AvgExecutionMs != 90 || r.AvgRowsReturned != 6 {
		t.Errorf("timing = %dms %.1f rows", r.AvgExecutionMs, r.AvgRowsReturned)
	}
}
